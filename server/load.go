package server

import (
	"errors"

	"github.com/ollama/xlm/envconfig"
	"github.com/ollama/xlm/keyboard"
	"github.com/ollama/xlm/llama"
	"github.com/ollama/xlm/runner/xlmrunner"
)

var ErrNoModel = errors.New("no model configured, set XLM_MODEL")

// Load creates a runner for the model, tokenizer, encoder and layout named
// by the environment
func Load() (*xlmrunner.Runner, error) {
	path := envconfig.Model()
	if path == "" {
		return nil, ErrNoModel
	}

	m, err := llama.LoadModelFromFile(path, llama.NewModelParams())
	if err != nil {
		return nil, err
	}

	opts := xlmrunner.DefaultOptions()
	lc, err := llama.NewContextWithModel(m, llama.NewContextParams(opts.NumResults))
	if err != nil {
		return nil, err
	}

	layout, err := keyboard.Load(envconfig.Layout())
	if err != nil {
		return nil, err
	}

	return xlmrunner.New(lc, m.TextProcessor(), layout, m.Encoder(), opts)
}
