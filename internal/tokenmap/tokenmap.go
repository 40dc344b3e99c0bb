// Package tokenmap implements the option obfuscation layer: every page load
// of an in-progress attempt gets a fresh decode table mapping unguessable
// per-option tokens back to the stable option keys. Clients only ever see the
// tokens and the option texts, so neither the stable keys nor the correctness
// flags can be recovered from page source or network traffic.
package tokenmap

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"

	"github.com/veritest/cbt-service/internal/models"
)

// tokenBytes is the entropy per token; 8 random bytes hex-encode to 16
// characters, which is far beyond guessable for a four-option question.
const tokenBytes = 8

// Map is the attempt-wide decode table: question id -> token -> stable key.
// It serializes cleanly to JSON (uint keys become decimal strings), which is
// how it is held in the session store and archived on the attempt row.
type Map map[uint]map[string]string

// Decode resolves a token for a question to its stable option key.
func (m Map) Decode(questionID uint, token string) (string, bool) {
	options, ok := m[questionID]
	if !ok {
		return "", false
	}
	key, ok := options[token]
	return key, ok
}

// OptionView is what the client is allowed to see for one option.
type OptionView struct {
	Token string `json:"token"`
	Text  string `json:"text"`
}

// QuestionView is the client-facing rendition of one question: shuffled
// options identified only by opaque tokens, plus the token of the student's
// previously saved choice when that choice decodes in the current map.
// Tokens from an earlier page load never decode here, so such selections
// cannot be visually restored; the stored answer itself is unaffected.
type QuestionView struct {
	QuestionID    uint         `json:"question_id"`
	Text          string       `json:"text"`
	Options       []OptionView `json:"options"`
	SelectedToken string       `json:"selected_token,omitempty"`
}

// Build generates a fresh decode table and the matching client views for the
// given questions. Question order follows Position; option order is a uniform
// random permutation per question per call.
func Build(questions []models.Question) (Map, []QuestionView, error) {
	m := make(Map, len(questions))
	views := make([]QuestionView, 0, len(questions))

	ordered := make([]models.Question, len(questions))
	copy(ordered, questions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Position < ordered[j].Position
	})

	for _, q := range ordered {
		shuffled := make([]models.Option, len(q.Options))
		copy(shuffled, q.Options)
		if err := shuffle(shuffled); err != nil {
			return nil, nil, fmt.Errorf("failed to shuffle options for question %d: %w", q.ID, err)
		}

		tokens := make(map[string]string, len(shuffled))
		view := QuestionView{
			QuestionID: q.ID,
			Text:       q.Text,
			Options:    make([]OptionView, 0, len(shuffled)),
		}
		for _, opt := range shuffled {
			token, err := NewToken()
			if err != nil {
				return nil, nil, fmt.Errorf("failed to generate option token: %w", err)
			}
			tokens[token] = opt.Key
			view.Options = append(view.Options, OptionView{Token: token, Text: opt.Text})
		}

		m[q.ID] = tokens
		views = append(views, view)
	}

	return m, views, nil
}

// NewToken returns a cryptographically random, hex-encoded opaque token.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// shuffle performs a Fisher-Yates shuffle driven by crypto/rand so option
// order cannot be predicted across page loads.
func shuffle(options []models.Option) error {
	for i := len(options) - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return err
		}
		j := int(n.Int64())
		options[i], options[j] = options[j], options[i]
	}
	return nil
}
