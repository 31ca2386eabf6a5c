package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Text field widths. Every field holds at most width-1 bytes followed by a NUL.
const (
	UsernameLength  = 32
	PasswordLength  = 32
	IDLength        = 16
	ContentLength   = 64
	TimestampLength = 32
)

// PacketSize is the fixed on-wire size of every packet
// Format: [Type (int32)][Error (int32)][User (64)][Message (192)]
const PacketSize = 4 + 4 +
	UsernameLength + PasswordLength +
	IDLength + UsernameLength + UsernameLength + ContentLength + TimestampLength + IDLength

var (
	ErrShortPacket  = errors.New("packet buffer has wrong size")
	ErrFieldTooLong = errors.New("text field exceeds its fixed width")
	ErrInvalidField = errors.New("text field contains a NUL byte")
)

// User is the credential part of a packet
type User struct {
	Username string
	Password string
}

// Message is the message part of a packet. All values travel as text.
type Message struct {
	ID        string
	Sender    string
	Receiver  string
	Content   string
	TimeStamp string
	ReplyID   string
}

// Packet is the single message unit exchanged between client and server
type Packet struct {
	Type    PacketType
	Error   ErrorCode
	User    User
	Message Message
}

// field pairs a string value with its wire width, in layout order
type field struct {
	name  string
	value *string
	width int
}

func (p *Packet) fields() []field {
	return []field{
		{"user.username", &p.User.Username, UsernameLength},
		{"user.password", &p.User.Password, PasswordLength},
		{"message.id", &p.Message.ID, IDLength},
		{"message.sender", &p.Message.Sender, UsernameLength},
		{"message.receiver", &p.Message.Receiver, UsernameLength},
		{"message.content", &p.Message.Content, ContentLength},
		{"message.timeStamp", &p.Message.TimeStamp, TimestampLength},
		{"message.replyId", &p.Message.ReplyID, IDLength},
	}
}

// Validate checks that every text field fits its fixed width
func (p *Packet) Validate() error {
	for _, f := range p.fields() {
		if err := checkText(*f.value, f.width); err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
	}
	return nil
}

func checkText(s string, width int) error {
	if len(s) > width-1 {
		return ErrFieldTooLong
	}
	if bytes.IndexByte([]byte(s), 0) >= 0 {
		return ErrInvalidField
	}
	return nil
}

// Encode serializes a packet into a PacketSize buffer
func Encode(p *Packet) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, PacketSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.Type))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.Error))

	offset := 8
	for _, f := range p.fields() {
		copy(buf[offset:offset+f.width], *f.value)
		offset += f.width
	}

	return buf, nil
}

// Decode parses a PacketSize buffer. Text fields end at the first NUL or at the field width.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, ErrShortPacket
	}

	p := &Packet{
		Type:  PacketType(int32(binary.LittleEndian.Uint32(buf[0:4]))),
		Error: ErrorCode(int32(binary.LittleEndian.Uint32(buf[4:8]))),
	}

	offset := 8
	for _, f := range p.fields() {
		raw := buf[offset : offset+f.width]
		if i := bytes.IndexByte(raw, 0); i >= 0 {
			raw = raw[:i]
		}
		*f.value = string(raw)
		offset += f.width
	}

	return p, nil
}

// WritePacket encodes, scrambles and writes a packet in one Write call
func WritePacket(w io.Writer, s Scrambler, p *Packet) error {
	buf, err := Encode(p)
	if err != nil {
		return err
	}
	s.Scramble(buf)

	_, err = w.Write(buf)
	return err
}

// ReadPacket reads exactly PacketSize bytes, accumulating partial reads, then
// unscrambles and decodes them. A connection closed mid-packet yields
// io.ErrUnexpectedEOF and nothing is decoded.
func ReadPacket(r io.Reader, s Scrambler) (*Packet, error) {
	buf := make([]byte, PacketSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	s.Unscramble(buf)

	return Decode(buf)
}
