// Package config loads and validates the immutable Settings record a run
// is threaded through. Settings are parsed once from a TOML file and never
// mutated afterward.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// DeployMode is one of the five activation modes a branch type can be
// configured to use.
type DeployMode string

const (
	ModeTest                 DeployMode = "test"
	ModeSwitch               DeployMode = "switch"
	ModeBoot                 DeployMode = "boot"
	ModeReboot               DeployMode = "reboot"
	ModeRebootOnKernelChange DeployMode = "reboot_on_kernel_change"
)

func validDeployMode(fl validator.FieldLevel) bool {
	switch DeployMode(fl.Field().String()) {
	case ModeTest, ModeSwitch, ModeBoot, ModeReboot, ModeRebootOnKernelChange:
		return true
	default:
		return false
	}
}

// Origin describes the remote repository this host pulls from.
type Origin struct {
	URL              string `toml:"url" validate:"required"`
	Main             string `toml:"main" validate:"required"`
	TestingPrefix    string `toml:"testing_prefix" validate:"required"`
	TestingSeparator string `toml:"testing_separator" validate:"required"`
	Token            string `toml:"token"`
	TokenFile        string `toml:"token_file"`
}

// DeployModes configures the activation mode used for each branch type.
type DeployModes struct {
	Main    DeployMode `toml:"main" validate:"required,deploy_mode"`
	Testing DeployMode `toml:"testing" validate:"required,deploy_mode"`
}

// raw is the exact shape of the TOML document. Unknown keys are rejected
// at decode time by the strict decoder below, so this struct doubles as
// the schema.
type raw struct {
	ConfigDir            string      `toml:"config_dir"`
	Origin               Origin      `toml:"origin"`
	Hook                 string      `toml:"hook"`
	DeployModes          DeployModes `toml:"deploy_modes"`
	MagicRollbackTimeout int         `toml:"magic_rollback_timeout"`
	HostnameOverride     string      `toml:"hostname_override"`
	LogLevel             string      `toml:"log_level"`
}

// Settings is the fully resolved, immutable configuration for a run. The
// token has already been read from TokenFile (if that was set); it is not
// part of OriginURL and reaches git only through vcsgit's credential
// helper. HasToken lets logging confirm a token is configured without ever
// printing it.
type Settings struct {
	ConfigDir            string
	OriginURL            string
	OriginMain           string
	TestingPrefix        string
	TestingSeparator     string
	Hook                 string
	DeployModeMain       DeployMode
	DeployModeTesting    DeployMode
	MagicRollbackTimeout time.Duration
	HostnameOverride     string
	LogLevel             string
	// Token holds a resolved credential, never logged or placed on a
	// child process's command line (see vcsgit's credential helper).
	Token    string
	hasToken bool
}

// HasToken reports whether a credential was configured, without exposing
// the credential itself.
func (s Settings) HasToken() bool { return s.hasToken }

// DeployModeFor returns the configured mode for the given branch type,
// where isMain selects between the main and testing mode.
func (s Settings) DeployModeFor(isMain bool) DeployMode {
	if isMain {
		return s.DeployModeMain
	}
	return s.DeployModeTesting
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("deploy_mode", validDeployMode); err != nil {
		panic(err)
	}
	return v
}

// Load reads and validates the TOML configuration at path, resolving a
// token_file reference into an in-memory token exactly once.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read config %s: %w", path, err)
	}

	dec := toml.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()

	var r raw
	if err := dec.Decode(&r); err != nil {
		return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if r.ConfigDir == "" {
		return Settings{}, fmt.Errorf("config %s: config_dir is required", path)
	}
	if r.Origin.Token != "" && r.Origin.TokenFile != "" {
		return Settings{}, fmt.Errorf("config %s: origin.token and origin.token_file are mutually exclusive", path)
	}
	if r.MagicRollbackTimeout <= 0 {
		r.MagicRollbackTimeout = 30
	}

	if err := validate.Struct(r); err != nil {
		return Settings{}, fmt.Errorf("config %s: %w", path, err)
	}

	token := r.Origin.Token
	if r.Origin.TokenFile != "" {
		b, err := os.ReadFile(r.Origin.TokenFile)
		if err != nil {
			return Settings{}, fmt.Errorf("read token_file %s: %w", r.Origin.TokenFile, err)
		}
		token = strings.TrimSpace(strings.SplitN(string(b), "\n", 2)[0])
	}

	return Settings{
		ConfigDir:            r.ConfigDir,
		OriginURL:            r.Origin.URL,
		OriginMain:           r.Origin.Main,
		TestingPrefix:        r.Origin.TestingPrefix,
		TestingSeparator:     r.Origin.TestingSeparator,
		Hook:                 r.Hook,
		DeployModeMain:       r.DeployModes.Main,
		DeployModeTesting:    r.DeployModes.Testing,
		MagicRollbackTimeout: time.Duration(r.MagicRollbackTimeout) * time.Second,
		HostnameOverride:     r.HostnameOverride,
		LogLevel:             r.LogLevel,
		hasToken:             token != "",
		Token:                token,
	}, nil
}

// Redact returns url with any embedded credential replaced, safe for logs.
func Redact(url string) string {
	const scheme = "https://"
	if !strings.HasPrefix(url, scheme) {
		return url
	}
	rest := strings.TrimPrefix(url, scheme)
	if idx := strings.Index(rest, "@"); idx >= 0 {
		return scheme + "***@" + rest[idx+1:]
	}
	return url
}
