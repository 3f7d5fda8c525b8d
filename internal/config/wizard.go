package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Wizard asks for the notebook location and embedding provider settings.
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard on stdin/stdout
func NewWizard() *Wizard {
	return NewWizardIO(os.Stdin, os.Stdout)
}

// NewWizardIO creates a wizard on the given streams
func NewWizardIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard starting from base.
func (w *Wizard) Run(base *Config) (*Config, error) {
	cfg := base
	if cfg == nil {
		cfg = DefaultConfig()
	}
	validator := NewValidator()

	fmt.Fprintln(w.out, "=== Notebook Configuration ===")
	fmt.Fprintln(w.out)

	path, err := w.ask("Notebook directory", cfg.NotebookPath)
	if err != nil {
		return nil, err
	}
	cfg.NotebookPath = path

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Embedding provider options:")
	fmt.Fprintln(w.out, "  none   - keyword search only")
	fmt.Fprintln(w.out, "  local  - in-process model, no network")
	fmt.Fprintln(w.out, "  ollama - Ollama service")
	fmt.Fprintln(w.out, "  openai - OpenAI-compatible embeddings endpoint")

	for {
		current := cfg.Embedding.Provider
		if current == "" {
			current = "none"
		}
		choice, err := w.ask("Provider", current)
		if err != nil {
			return nil, err
		}
		if choice == "none" {
			choice = ProviderNone
		}
		if err := validator.ValidateProvider(choice); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Embedding.Provider = choice
		break
	}

	switch cfg.Embedding.Provider {
	case ProviderLocal:
		model, err := w.ask("Model", cfg.Embedding.Local.Model)
		if err != nil {
			return nil, err
		}
		cfg.Embedding.Local.Model = model
	case ProviderOllama:
		for {
			host, err := w.ask("Ollama host", cfg.Embedding.Ollama.Host)
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateServiceURL(host); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			cfg.Embedding.Ollama.Host = host
			break
		}
		model, err := w.ask("Model", cfg.Embedding.Ollama.Model)
		if err != nil {
			return nil, err
		}
		cfg.Embedding.Ollama.Model = model
	case ProviderOpenAI:
		for {
			baseURL, err := w.ask("Base URL", cfg.Embedding.OpenAI.BaseURL)
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateServiceURL(baseURL); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			cfg.Embedding.OpenAI.BaseURL = baseURL
			break
		}
		key, err := w.ask("API key (Enter to keep current)", "")
		if err != nil {
			return nil, err
		}
		if key != "" {
			cfg.Embedding.OpenAI.APIKey = key
		}
		model, err := w.ask("Model", cfg.Embedding.OpenAI.Model)
		if err != nil {
			return nil, err
		}
		cfg.Embedding.OpenAI.Model = model
	}

	fmt.Fprintln(w.out)
	level, err := w.ask("Log level (debug/info/warn/error)", cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateLogLevel(level); err != nil {
		fmt.Fprintf(w.out, "Warning: %v, keeping %s\n", err, cfg.Logging.Level)
	} else {
		cfg.Logging.Level = level
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")
	return cfg, nil
}

// ask prints a prompt and returns the answer, or def on an empty line.
func (w *Wizard) ask(prompt, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", prompt)
	}
	line, err := w.readLine()
	if err != nil {
		return "", err
	}
	if line == "" {
		return def, nil
	}
	return line, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
