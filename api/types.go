package api

import (
	"fmt"
	"time"
)

// StatusError is an error with an HTTP status code and message,
// it is parsed on the client-side and not returned from the API
type StatusError struct {
	StatusCode   int    // e.g. 200
	Status       string // e.g. "200 OK"
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		// this should not happen
		return "something went wrong, please see the xlm server logs for details"
	}
}

const (
	InputModeTap   = "tap"
	InputModeSwipe = "swipe"
)

// Point is a touch in keyboard pixels
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// PredictRequest asks for words likely to follow Context
type PredictRequest struct {
	Context string `json:"context"`
}

// CorrectRequest asks for the word that Points most likely spell, one
// point per typed character
type CorrectRequest struct {
	Context string  `json:"context"`
	Points  []Point `json:"points"`
	Swipe   bool    `json:"swipe,omitempty"`
}

// SuggestRequest predicts the next word when PartialWord is empty and
// corrects it otherwise
type SuggestRequest struct {
	Context     string  `json:"context"`
	PartialWord string  `json:"partial_word,omitempty"`
	InputMode   string  `json:"input_mode,omitempty"`
	Points      []Point `json:"points,omitempty"`
}

type Suggestion struct {
	Text        string  `json:"text"`
	Probability float64 `json:"probability"`
}

// SuggestResponse is returned by every prediction endpoint. Suggestions
// are ordered by probability, highest first.
type SuggestResponse struct {
	ID          string        `json:"id"`
	Suggestions []Suggestion  `json:"suggestions"`
	Duration    time.Duration `json:"duration,omitempty"`
}
