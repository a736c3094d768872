package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	SearchMMR        = "mmr"
	SearchSimilarity = "similarity"

	DefaultNoContextAnswer = "Não encontrei essa informação nos documentos fornecidos, então não tenho a resposta para essa pergunta."
)

// TutorSettings holds the user-editable knobs of the document tutor.
type TutorSettings struct {
	Model              string  `json:"model" yaml:"model"`
	SearchType         string  `json:"search_type" yaml:"search_type"`
	K                  int     `json:"k" yaml:"k"`
	FetchK             int     `json:"fetch_k" yaml:"fetch_k"`
	LambdaMult         float64 `json:"lambda_mult" yaml:"lambda_mult"`
	ScoreThreshold     float64 `json:"score_threshold" yaml:"score_threshold"`
	CondenseQuestion   bool    `json:"condense_question" yaml:"condense_question"`
	MaxHistoryMessages int     `json:"max_history_messages" yaml:"max_history_messages"`
	NoContextAnswer    string  `json:"no_context_answer" yaml:"no_context_answer"`
	// Prompt overrides the built-in tutor template when non-empty.
	Prompt string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
}

func DefaultTutorSettings() TutorSettings {
	return TutorSettings{
		Model:            DefaultChatModel,
		SearchType:       SearchMMR,
		K:                5,
		FetchK:           20,
		LambdaMult:       0.5,
		CondenseQuestion: true,
		NoContextAnswer:  DefaultNoContextAnswer,
	}
}

// LoadTutorSettings reads the settings file. A missing file yields defaults.
func LoadTutorSettings(path string) (TutorSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultTutorSettings(), nil
		}
		return TutorSettings{}, err
	}
	s := DefaultTutorSettings()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return TutorSettings{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	applyTutorDefaults(&s)
	if err := s.Validate(); err != nil {
		return TutorSettings{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// SaveTutorSettings writes the settings file, creating directories as needed.
func SaveTutorSettings(path string, s TutorSettings) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func applyTutorDefaults(s *TutorSettings) {
	d := DefaultTutorSettings()
	if s.Model == "" {
		s.Model = d.Model
	}
	s.SearchType = strings.ToLower(strings.TrimSpace(s.SearchType))
	if s.SearchType == "" {
		s.SearchType = d.SearchType
	}
	if s.K == 0 {
		s.K = d.K
	}
	if s.FetchK == 0 {
		s.FetchK = d.FetchK
	}
	if s.NoContextAnswer == "" {
		s.NoContextAnswer = d.NoContextAnswer
	}
}

func (s TutorSettings) Validate() error {
	if s.SearchType != SearchMMR && s.SearchType != SearchSimilarity {
		return fmt.Errorf("search_type must be %q or %q, got %q", SearchMMR, SearchSimilarity, s.SearchType)
	}
	if s.K < 1 {
		return fmt.Errorf("k must be positive, got %d", s.K)
	}
	if s.FetchK < s.K {
		return fmt.Errorf("fetch_k (%d) must be at least k (%d)", s.FetchK, s.K)
	}
	if s.LambdaMult < 0 || s.LambdaMult > 1 {
		return fmt.Errorf("lambda_mult must be within [0, 1], got %v", s.LambdaMult)
	}
	if s.ScoreThreshold < 0 || s.ScoreThreshold > 1 {
		return fmt.Errorf("score_threshold must be within [0, 1], got %v", s.ScoreThreshold)
	}
	if s.MaxHistoryMessages < 0 {
		return fmt.Errorf("max_history_messages must not be negative, got %d", s.MaxHistoryMessages)
	}
	if s.Prompt != "" {
		for _, p := range []string{"{context}", "{chat_history}", "{question}"} {
			if !strings.Contains(s.Prompt, p) {
				return fmt.Errorf("prompt is missing the %s placeholder", p)
			}
		}
	}
	return nil
}
