// Package protocol implements the JSON wire format spoken with the chat backend.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned when an inbound frame is not a JSON object.
var ErrMalformed = errors.New("malformed message")

// Outbound request types.
const (
	TypeQuestionRequest = "question-request"
	legacyQuestionType  = "prakriti-doubt"
)

// Kind classifies an inbound signal.
type Kind int

const (
	KindUnknown Kind = iota
	KindAnswerComplete
	KindAnswerPart
	KindStreamEnd
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindAnswerComplete:
		return "answer-complete"
	case KindAnswerPart:
		return "answer-part"
	case KindStreamEnd:
		return "answer-stream-end"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// kinds maps wire type names to signal kinds. The prakriti-* names are the
// ones the first frontend release was built against.
var kinds = map[string]Kind{
	"answer-complete":          KindAnswerComplete,
	"answer-part":              KindAnswerPart,
	"answer-stream-end":        KindStreamEnd,
	"error":                    KindError,
	"prakriti-answer":          KindAnswerComplete,
	"prakriti-answer-part":     KindAnswerPart,
	"prakriti-answer-complete": KindStreamEnd,
}

// QuestionRequest is the only message the client sends.
type QuestionRequest struct {
	Type     string `json:"type"`
	Question string `json:"question"`
}

// Signal is a decoded inbound message.
type Signal struct {
	Kind Kind
	// Type is the raw wire type, kept for logging unknown kinds.
	Type string
	// Text carries answer, part or error detail depending on Kind.
	Text string
}

type inbound struct {
	Type   string `json:"type"`
	Answer string `json:"answer"`
	Part   string `json:"part"`
	Error  string `json:"error"`
}

// EncodeQuestion serializes a question. With legacy set the request uses the
// prakriti-doubt type name.
func EncodeQuestion(question string, legacy bool) ([]byte, error) {
	typ := TypeQuestionRequest
	if legacy {
		typ = legacyQuestionType
	}
	data, err := json.Marshal(QuestionRequest{Type: typ, Question: question})
	if err != nil {
		return nil, fmt.Errorf("encode question: %w", err)
	}
	return data, nil
}

// Decode parses one inbound frame. Frames that are not JSON objects return
// ErrMalformed; well-formed objects with an unrecognized type decode to a
// Signal of KindUnknown.
func Decode(data []byte) (Signal, error) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	sig := Signal{Kind: kinds[msg.Type], Type: msg.Type}
	switch sig.Kind {
	case KindAnswerComplete:
		sig.Text = msg.Answer
	case KindAnswerPart:
		sig.Text = msg.Part
	case KindError:
		sig.Text = msg.Error
	}
	return sig, nil
}
