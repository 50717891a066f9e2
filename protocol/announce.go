package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Announcement is the single JSON line the server writes to stdout once it
// is listening.
type Announcement struct {
	Port int `json:"port"`
	PID  int `json:"pid"`
}

// WriteAnnouncement writes a as one line to w.
func WriteAnnouncement(w io.Writer, a Announcement) error {
	line, err := json.Marshal(a)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = w.Write(line)
	return err
}

// ParseAnnouncement decodes one announcement line.
func ParseAnnouncement(line []byte) (Announcement, error) {
	var a Announcement
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return a, fmt.Errorf("%w: empty announcement", ErrInvalidMessage)
	}
	if err := json.Unmarshal(line, &a); err != nil {
		return a, fmt.Errorf("%w: announcement: %v", ErrInvalidMessage, err)
	}
	return a, nil
}
