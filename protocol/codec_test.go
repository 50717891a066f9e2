package protocol

import (
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestProtocol(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Protocol Suite")
}

func allBytes() []byte {
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func roundTrip(req Request) Request {
	payload, err := EncodeRequest(req)
	Expect(err).ToNot(HaveOccurred())
	decoded, err := DecodeRequest(TextFrame, payload)
	Expect(err).ToNot(HaveOccurred())
	return decoded
}

var _ = Describe("Request codec", func() {
	Context("When round-tripping requests", func() {
		It("should reproduce Init exactly", func() {
			req := Init{
				RequestID: "req-1",
				ShellType: "bash",
				ShellArgs: []string{"-l", "--norc"},
				Cwd:       "/tmp",
				Env:       map[string]string{"FOO": "bar", "EMPTY": ""},
				Cols:      80,
				Rows:      24,
			}
			Expect(roundTrip(req)).To(Equal(req))
		})

		It("should reproduce Input with every byte value", func() {
			req := Input{SessionID: "s-1", Data: allBytes()}
			Expect(roundTrip(req)).To(Equal(req))
		})

		It("should reproduce random binary payloads", func() {
			rng := rand.New(rand.NewSource(42))
			for i := 0; i < 50; i++ {
				data := make([]byte, rng.Intn(4096)+1)
				rng.Read(data)
				req := Input{SessionID: "s-rand", Data: data}
				Expect(roundTrip(req)).To(Equal(req))
			}
		})

		It("should reproduce Resize including invalid geometry", func() {
			Expect(roundTrip(Resize{SessionID: "s-1", Cols: 120, Rows: 40})).To(Equal(Resize{SessionID: "s-1", Cols: 120, Rows: 40}))
			Expect(roundTrip(Resize{SessionID: "s-1", Cols: 0, Rows: -3})).To(Equal(Resize{SessionID: "s-1", Cols: 0, Rows: -3}))
		})

		It("should reproduce Close", func() {
			Expect(roundTrip(Close{SessionID: "s-9"})).To(Equal(Close{SessionID: "s-9"}))
		})
	})

	Context("When decoding client JSON", func() {
		It("should accept destroy as an alias of close", func() {
			req, err := DecodeRequest(TextFrame, []byte(`{"module":"pty","type":"destroy","session_id":"abc"}`))
			Expect(err).ToNot(HaveOccurred())
			Expect(req).To(Equal(Close{SessionID: "abc"}))
		})

		It("should default missing resize dimensions to 80x24", func() {
			req, err := DecodeRequest(TextFrame, []byte(`{"module":"pty","type":"resize","session_id":"abc"}`))
			Expect(err).ToNot(HaveOccurred())
			Expect(req).To(Equal(Resize{SessionID: "abc", Cols: 80, Rows: 24}))
		})

		It("should reject unknown types but keep identifiers", func() {
			_, err := DecodeRequest(TextFrame, []byte(`{"module":"pty","type":"explode","session_id":"abc","request_id":"r"}`))
			Expect(errors.Is(err, ErrUnknownType)).To(BeTrue())
			Expect(errors.Is(err, ErrInvalidMessage)).To(BeTrue())

			var decodeErr *DecodeError
			Expect(errors.As(err, &decodeErr)).To(BeTrue())
			Expect(decodeErr.SessionID).To(Equal("abc"))
			Expect(decodeErr.RequestID).To(Equal("r"))
		})

		It("should reject other modules", func() {
			_, err := DecodeRequest(TextFrame, []byte(`{"module":"fs","type":"init"}`))
			Expect(errors.Is(err, ErrUnknownModule)).To(BeTrue())
		})

		It("should reject malformed JSON", func() {
			_, err := DecodeRequest(TextFrame, []byte(`{"module":`))
			Expect(errors.Is(err, ErrInvalidMessage)).To(BeTrue())
		})

		It("should require session ids on session-scoped requests", func() {
			for _, payload := range []string{
				`{"module":"pty","type":"input","data":"aGk="}`,
				`{"module":"pty","type":"resize","cols":10,"rows":10}`,
				`{"module":"pty","type":"close"}`,
			} {
				_, err := DecodeRequest(TextFrame, []byte(payload))
				Expect(errors.Is(err, ErrSessionIDRequired)).To(BeTrue(), payload)
			}
		})

		It("should reject input data that is not base64", func() {
			_, err := DecodeRequest(TextFrame, []byte(`{"module":"pty","type":"input","session_id":"a","data":"***"}`))
			Expect(errors.Is(err, ErrInvalidMessage)).To(BeTrue())
		})
	})

	Context("When decoding binary input frames", func() {
		It("should split the session id from the payload", func() {
			frame, err := EncodeInputFrame("sess", allBytes())
			Expect(err).ToNot(HaveOccurred())
			Expect(frame[0]).To(Equal(byte(4)))

			req, err := DecodeRequest(BinaryFrame, frame)
			Expect(err).ToNot(HaveOccurred())
			Expect(req).To(Equal(Input{SessionID: "sess", Data: allBytes()}))
		})

		It("should reject truncated and anonymous frames", func() {
			_, err := DecodeRequest(BinaryFrame, []byte{10, 'a', 'b'})
			Expect(errors.Is(err, ErrInvalidMessage)).To(BeTrue())

			_, err = DecodeRequest(BinaryFrame, []byte{0, 'x'})
			Expect(errors.Is(err, ErrSessionIDRequired)).To(BeTrue())

			_, err = DecodeRequest(BinaryFrame, nil)
			Expect(errors.Is(err, ErrInvalidMessage)).To(BeTrue())
		})
	})
})

var _ = Describe("Event codec", func() {
	roundTripEvent := func(ev Event, enc Encoding) Event {
		kind, payload, err := EncodeEvent(ev, enc)
		Expect(err).ToNot(HaveOccurred())
		decoded, err := DecodeEvent(kind, payload)
		Expect(err).ToNot(HaveOccurred())
		return decoded
	}

	It("should send output as a binary frame by default", func() {
		kind, payload, err := EncodeEvent(Output{SessionID: "abc", Data: []byte{0, 255}}, EncodingBinary)
		Expect(err).ToNot(HaveOccurred())
		Expect(kind).To(Equal(BinaryFrame))
		Expect(payload).To(Equal([]byte{3, 'a', 'b', 'c', 0, 255}))
	})

	It("should send output as base64 JSON when asked", func() {
		kind, payload, err := EncodeEvent(Output{SessionID: "abc", Data: []byte("hi")}, EncodingJSON)
		Expect(err).ToNot(HaveOccurred())
		Expect(kind).To(Equal(TextFrame))

		var fields map[string]any
		Expect(json.Unmarshal(payload, &fields)).To(Succeed())
		Expect(fields).To(HaveKeyWithValue("module", "pty"))
		Expect(fields).To(HaveKeyWithValue("type", "output"))
		Expect(fields).To(HaveKeyWithValue("data", "aGk="))
	})

	It("should fall back to JSON for session ids too long for a frame", func() {
		longID := strings.Repeat("x", MaxBinarySessionID+1)
		kind, _, err := EncodeEvent(Output{SessionID: longID, Data: []byte("hi")}, EncodingBinary)
		Expect(err).ToNot(HaveOccurred())
		Expect(kind).To(Equal(TextFrame))
	})

	It("should round-trip every event variant", func() {
		for _, enc := range []Encoding{EncodingBinary, EncodingJSON} {
			Expect(roundTripEvent(InitAck{RequestID: "r", SessionID: "s", Success: true}, enc)).
				To(Equal(InitAck{RequestID: "r", SessionID: "s", Success: true}))
			Expect(roundTripEvent(Output{SessionID: "s", Data: allBytes()}, enc)).
				To(Equal(Output{SessionID: "s", Data: allBytes()}))
			Expect(roundTripEvent(Exit{SessionID: "s", Code: -1, Signal: "SIGKILL"}, enc)).
				To(Equal(Exit{SessionID: "s", Code: -1, Signal: "SIGKILL"}))
			Expect(roundTripEvent(Error{SessionID: "s", Code: CodeSessionNotFound, Message: "session not found"}, enc)).
				To(Equal(Error{SessionID: "s", Code: CodeSessionNotFound, Message: "session not found"}))
		}
	})

	It("should always include success and exit code fields", func() {
		_, payload, err := EncodeEvent(InitAck{SessionID: "s", Success: false}, EncodingJSON)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(payload)).To(ContainSubstring(`"success":false`))

		_, payload, err = EncodeEvent(Exit{SessionID: "s", Code: 0}, EncodingJSON)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(payload)).To(ContainSubstring(`"code":0`))
	})
})

var _ = Describe("ParseEncoding", func() {
	It("should default to binary", func() {
		Expect(ParseEncoding("")).To(Equal(EncodingBinary))
		Expect(ParseEncoding("json")).To(Equal(EncodingJSON))
		_, err := ParseEncoding("xml")
		Expect(err).To(HaveOccurred())
	})
})
