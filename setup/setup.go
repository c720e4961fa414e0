// Package setup prompts for service credentials and saves them.
package setup

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/log"
	"github.com/spf13/viper"

	"node.town/rtasr/config"
)

// Answers are the values collected by the setup form.
type Answers struct {
	Profile   string
	AppID     string
	APIKey    string
	APISecret string
}

func required(s string) error {
	if s == "" {
		return errors.New("required")
	}
	return nil
}

// RunSetup prompts for credentials and writes them to path, or to the
// config file viper already loaded when path is empty.
func RunSetup(v *viper.Viper, path string) error {
	log.Info("Starting rtasr setup...")

	a := Answers{
		Profile:   v.GetString(config.KeyProfile),
		AppID:     v.GetString(config.KeyAppID),
		APIKey:    v.GetString(config.KeyAPIKey),
		APISecret: v.GetString(config.KeyAPISecret),
	}
	if a.Profile == "" {
		a.Profile = "iat"
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Which service protocol?").
				Options(
					huh.NewOption("Dictation (iat)", "iat"),
					huh.NewOption("Real-time transcription (rtasr)", "rtasr"),
				).
				Value(&a.Profile),
			huh.NewInput().
				Title("Enter your App ID").
				Value(&a.AppID).
				Validate(required),
			huh.NewInput().
				Title("Enter your API Key").
				Value(&a.APIKey).
				Validate(required),
			huh.NewInput().
				Title("Enter your API Secret").
				EchoMode(huh.EchoModePassword).
				Value(&a.APISecret).
				Validate(required),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup form: %w", err)
	}

	if err := Save(v, a, path); err != nil {
		return err
	}

	log.Info("Setup completed successfully!")
	return nil
}

// Save stores a in v and writes the configuration out.
func Save(v *viper.Viper, a Answers, path string) error {
	v.Set(config.KeyProfile, a.Profile)
	v.Set(config.KeyAppID, a.AppID)
	v.Set(config.KeyAPIKey, a.APIKey)
	v.Set(config.KeyAPISecret, a.APISecret)

	if path == "" {
		path = v.ConfigFileUsed()
	}
	if path == "" {
		path = "config.yaml"
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}
	// The file holds the API secret.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}
	log.Info("Configuration saved", "path", path)
	return nil
}
