package resp

import (
	"bytes"
	"io"

	"github.com/aphistic/sweet"
	. "github.com/onsi/gomega"
)

type CodecSuite struct{}

func (s *CodecSuite) TestDecodeSimpleString(t sweet.T) {
	v := decodeOne(t, "+OK\r\n")
	Expect(v.Kind).To(Equal(KindSimpleString))
	str, ok := v.String()
	Expect(ok).To(BeTrue())
	Expect(str).To(Equal("OK"))
}

func (s *CodecSuite) TestDecodeError(t sweet.T) {
	v := decodeOne(t, "-ERR wrong number of arguments\r\n")
	Expect(v.IsError()).To(BeTrue())
	Expect(string(v.Err)).To(Equal("ERR wrong number of arguments"))
}

func (s *CodecSuite) TestDecodeInteger(t sweet.T) {
	v := decodeOne(t, ":1000\r\n")
	Expect(v.Kind).To(Equal(KindInteger))
	Expect(v.Int).To(Equal(int64(1000)))
}

func (s *CodecSuite) TestDecodeBulkString(t sweet.T) {
	v := decodeOne(t, "$5\r\nhello\r\n")
	str, ok := v.String()
	Expect(ok).To(BeTrue())
	Expect(str).To(Equal("hello"))
}

func (s *CodecSuite) TestDecodeEmptyBulkString(t sweet.T) {
	v := decodeOne(t, "$0\r\n\r\n")
	str, ok := v.String()
	Expect(ok).To(BeTrue())
	Expect(str).To(Equal(""))
	Expect(v.IsNull).To(BeFalse())
}

func (s *CodecSuite) TestDecodeNullBulkString(t sweet.T) {
	v := decodeOne(t, "$-1\r\n")
	Expect(v.Kind).To(Equal(KindBulkString))
	Expect(v.IsNull).To(BeTrue())

	_, ok := v.String()
	Expect(ok).To(BeFalse())
}

func (s *CodecSuite) TestDecodeNullArray(t sweet.T) {
	v := decodeOne(t, "*-1\r\n")
	Expect(v.Kind).To(Equal(KindArray))
	Expect(v.IsNull).To(BeTrue())
}

func (s *CodecSuite) TestDecodeNullBulkAndNullArrayAreDistinct(t sweet.T) {
	bulk := decodeOne(t, "$-1\r\n")
	arr := decodeOne(t, "*-1\r\n")
	Expect(bulk.Kind).NotTo(Equal(arr.Kind))
}

func (s *CodecSuite) TestDecodeNestedArray(t sweet.T) {
	v := decodeOne(t, "*2\r\n$3\r\nfoo\r\n*1\r\n:7\r\n")
	Expect(v.Kind).To(Equal(KindArray))
	Expect(v.Elems).To(HaveLen(2))

	first, _ := v.Elems[0].String()
	Expect(first).To(Equal("foo"))

	Expect(v.Elems[1].Kind).To(Equal(KindArray))
	Expect(v.Elems[1].Elems[0].Int).To(Equal(int64(7)))
}

func (s *CodecSuite) TestDecodeRejectsLoneLF(t sweet.T) {
	d := NewDecoder(bytes.NewBufferString("+OK\n"))
	_, err := d.Decode()
	Expect(err).To(HaveOccurred())
	Expect(err).To(BeAssignableToTypeOf(&ProtocolError{}))
}

func (s *CodecSuite) TestDecodeRejectsExcessiveNesting(t sweet.T) {
	var buf bytes.Buffer
	for i := 0; i < MaxNestingDepth+2; i++ {
		buf.WriteString("*1\r\n")
	}
	buf.WriteString(":1\r\n")

	d := NewDecoder(&buf)
	_, err := d.Decode()
	Expect(err).To(HaveOccurred())
	Expect(err).To(BeAssignableToTypeOf(&ProtocolError{}))
}

func (s *CodecSuite) TestDecodeConcatenatedEncodings(t sweet.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	Expect(enc.EncodeCommand("SETEX", []byte("key"), []byte("5"), []byte("value"))).To(Succeed())
	Expect(enc.EncodeCommand("GET", []byte("key"))).To(Succeed())
	Expect(enc.Flush()).To(Succeed())

	d := NewDecoder(&buf)

	first, err := d.Decode()
	Expect(err).NotTo(HaveOccurred())
	Expect(first.Kind).To(Equal(KindArray))
	Expect(first.Elems).To(HaveLen(4))

	second, err := d.Decode()
	Expect(err).NotTo(HaveOccurred())
	Expect(second.Kind).To(Equal(KindArray))
	Expect(second.Elems).To(HaveLen(2))
}

func (s *CodecSuite) TestEncodeCommandRoundTrip(t sweet.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	Expect(enc.EncodeCommand("SET", []byte("k"), []byte("v"))).To(Succeed())
	Expect(enc.Flush()).To(Succeed())

	Expect(buf.String()).To(Equal("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n"))

	v, err := NewDecoder(&buf).Decode()
	Expect(err).NotTo(HaveOccurred())
	Expect(v.Elems).To(HaveLen(3))
	name, _ := v.Elems[0].String()
	Expect(name).To(Equal("SET"))
}

func (s *CodecSuite) TestDecodeEOFOnEmptyStream(t sweet.T) {
	d := NewDecoder(bytes.NewReader(nil))
	_, err := d.Decode()
	Expect(err).To(Equal(io.EOF))
}

func decodeOne(t sweet.T, raw string) Value {
	d := NewDecoder(bytes.NewBufferString(raw))
	v, err := d.Decode()
	Expect(err).NotTo(HaveOccurred())
	return v
}
