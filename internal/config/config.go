// Package config provides configuration loading and path management.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/converse-ai/converse/pkg/types"
)

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.converse/)
// 2. Global config (XDG, ~/.config/converse/)
// 3. Project config (converse.json[c], .converse/converse.json[c])
// 4. CONVERSE_CONFIG file
// 5. CONVERSE_CONFIG_CONTENT inline JSON
// 6. Environment variables
func Load(directory string) (*types.Config, error) {
	config := &types.Config{
		Provider: make(map[string]types.ProviderConfig),
		Agent:    make(map[string]types.AgentConfig),
	}

	loaded := make(map[string]bool)

	loadOnce := func(path string, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	// 1. Home-dir global config (~/.converse/)
	home := os.Getenv("HOME")
	if home != "" {
		homeDir := filepath.Join(home, ".converse")
		loadOnce(filepath.Join(homeDir, "converse.json"), homeDir)
		loadOnce(filepath.Join(homeDir, "converse.jsonc"), homeDir)
	}

	// 2. XDG global config
	globalPath := GetPaths().Config
	loadOnce(filepath.Join(globalPath, "converse.json"), globalPath)
	loadOnce(filepath.Join(globalPath, "converse.jsonc"), globalPath)

	// 3. Project config
	if directory != "" {
		projectDir := filepath.Join(directory, ".converse")
		loadOnce(filepath.Join(directory, "converse.json"), directory)
		loadOnce(filepath.Join(directory, "converse.jsonc"), directory)
		loadOnce(filepath.Join(projectDir, "converse.json"), projectDir)
		loadOnce(filepath.Join(projectDir, "converse.jsonc"), projectDir)
	}

	// 4. CONVERSE_CONFIG file override
	if configPath := os.Getenv("CONVERSE_CONFIG"); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	// 5. CONVERSE_CONFIG_CONTENT inline JSON
	if configContent := os.Getenv("CONVERSE_CONFIG_CONTENT"); configContent != "" {
		var inlineConfig types.Config
		if err := json.Unmarshal([]byte(configContent), &inlineConfig); err == nil {
			mergeConfig(config, &inlineConfig)
		}
	}

	// 6. Environment variables (highest priority)
	applyEnvOverrides(config)

	return config, nil
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *types.Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // File doesn't exist, skip
	}

	// Strip JSONC comments using tidwall/jsonc
	data = jsonc.ToJSON(data)

	data = interpolate(data, baseDir)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	envPattern := regexp.MustCompile(`\{env:([^}]+)\}`)
	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})

	filePattern := regexp.MustCompile(`\{file:([^}]+)\}`)
	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			home := os.Getenv("HOME")
			filePath = filepath.Join(home, filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // Keep original if file not found
		}

		// Escape for JSON string
		escaped := strings.ReplaceAll(string(content), "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		escaped = strings.ReplaceAll(escaped, "\n", "\\n")
		escaped = strings.ReplaceAll(escaped, "\r", "\\r")
		escaped = strings.ReplaceAll(escaped, "\t", "\\t")

		return escaped
	})

	return []byte(str)
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.CallbackBaseURL != "" {
		target.CallbackBaseURL = source.CallbackBaseURL
	}
	if source.EventLog {
		target.EventLog = true
	}

	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]types.ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}

	if source.Agent != nil {
		if target.Agent == nil {
			target.Agent = make(map[string]types.AgentConfig)
		}
		for k, v := range source.Agent {
			target.Agent[k] = v
		}
	}

	if source.RateLimit != nil {
		target.RateLimit = source.RateLimit
	}
	if source.Audio != nil {
		target.Audio = source.Audio
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) {
	providerEnvMap := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}

	for provider, envVar := range providerEnvMap {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			if config.Provider == nil {
				config.Provider = make(map[string]types.ProviderConfig)
			}
			p := config.Provider[provider]
			if p.APIKey == "" {
				p.APIKey = apiKey
				config.Provider[provider] = p
			}
		}
	}

	if model := os.Getenv("CONVERSE_MODEL"); model != "" {
		config.Model = model
	}

	if url := os.Getenv("CONVERSE_CALLBACK_BASE_URL"); url != "" {
		config.CallbackBaseURL = url
	}

	if v := os.Getenv("CONVERSE_EVENT_LOG"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			config.EventLog = enabled
		}
	}
}

// Save saves the configuration to a file.
func Save(config *types.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
