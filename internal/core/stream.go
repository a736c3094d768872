package core

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

type frameKind int

const (
	frameSkip frameKind = iota
	frameFragment
	frameDone
)

// frameResult classifies one line of a chat-completions event stream.
type frameResult struct {
	kind     frameKind
	fragment string
	reason   string // set for frameSkip
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

var dataPrefix = []byte("data:")

func parseFrame(line []byte) frameResult {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return frameResult{kind: frameSkip, reason: "blank"}
	}
	if !bytes.HasPrefix(line, dataPrefix) {
		return frameResult{kind: frameSkip, reason: "non-data"}
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if string(payload) == "[DONE]" {
		return frameResult{kind: frameDone}
	}

	var chunk streamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return frameResult{kind: frameSkip, reason: "malformed json"}
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == nil {
		return frameResult{kind: frameSkip, reason: "no content"}
	}
	if *chunk.Choices[0].Delta.Content == "" {
		return frameResult{kind: frameSkip, reason: "empty content"}
	}
	return frameResult{kind: frameFragment, fragment: *chunk.Choices[0].Delta.Content}
}

// Stream yields the text fragments of a streamed completion in arrival order.
// It is single use and must be closed by the caller.
//
//	for s.Next() {
//		fmt.Print(s.Fragment())
//	}
//	if err := s.Err(); err != nil { ... }
type Stream struct {
	body     io.ReadCloser
	reader   *bufio.Reader
	fragment string
	err      error
	done     bool
	skipped  int
	text     strings.Builder
}

func newStream(body io.ReadCloser) *Stream {
	return &Stream{body: body, reader: bufio.NewReader(body)}
}

// Next advances to the next fragment. It returns false at the end of the
// stream or on a read error; see Err.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	for {
		line, err := s.reader.ReadBytes('\n')
		if len(line) > 0 {
			res := parseFrame(line)
			switch res.kind {
			case frameDone:
				s.finish(nil)
				return false
			case frameFragment:
				if err != nil {
					// Last line without a trailing newline.
					s.finish(readErr(err))
				}
				s.fragment = res.fragment
				s.text.WriteString(res.fragment)
				return true
			default:
				if res.reason != "blank" && res.reason != "non-data" {
					s.skipped++
				}
			}
		}
		if err != nil {
			s.finish(readErr(err))
			return false
		}
	}
}

func readErr(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return &TransportError{Err: err}
}

func (s *Stream) finish(err error) {
	s.done = true
	s.fragment = ""
	if s.err == nil {
		s.err = err
	}
	s.Close()
}

// Fragment is the text produced by the latest successful Next.
func (s *Stream) Fragment() string {
	return s.fragment
}

// Err reports the first read failure. A stream that ends without a
// [DONE] marker is not an error.
func (s *Stream) Err() error {
	return s.err
}

// Skipped counts data frames that carried no usable text.
func (s *Stream) Skipped() int {
	return s.skipped
}

// Text is the concatenation of every fragment yielded so far.
func (s *Stream) Text() string {
	return s.text.String()
}

// Close releases the underlying connection. It is safe to call more than once.
func (s *Stream) Close() error {
	if s.body == nil {
		return nil
	}
	err := s.body.Close()
	s.body = nil
	s.done = true
	return err
}
