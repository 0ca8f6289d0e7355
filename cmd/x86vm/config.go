package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"unicode"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"
)

var (
	dumpConfigCommand = &cli.Command{
		Action:      dumpConfig,
		Name:        "dumpconfig",
		Usage:       "Show configuration values",
		Description: `The dumpconfig command prints the effective configuration as TOML.`,
	}

	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
)

// These settings keep TOML keys identical to Go field names.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		name := rt.String()
		if rt.Name() != "" && unicode.IsUpper(rune(rt.Name()[0])) {
			name = rt.Name()
		}
		return fmt.Errorf("field '%s' is not defined in %s", field, name)
	},
}

type vmConfig struct {
	GasLimit   uint64
	DebugPrint bool
}

type logConfig struct {
	Level string
}

type storeConfig struct {
	DataDir string
	NoSync  bool
}

type x86vmConfig struct {
	VM    vmConfig
	Log   logConfig
	Store storeConfig
}

func defaultConfig() x86vmConfig {
	return x86vmConfig{
		VM:    vmConfig{GasLimit: 1_000_000},
		Log:   logConfig{Level: "info"},
		Store: storeConfig{DataDir: defaultDataDir()},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".x86vm"
	}
	return filepath.Join(home, ".x86vm")
}

func loadConfig(file string, cfg *x86vmConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// makeConfig layers defaults, the config file and command line flags.
func makeConfig(ctx *cli.Context) (x86vmConfig, error) {
	cfg := defaultConfig()

	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			return cfg, err
		}
	}

	if ctx.IsSet(logLevelFlag.Name) {
		cfg.Log.Level = ctx.String(logLevelFlag.Name)
	}
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.Store.DataDir = ctx.String(dataDirFlag.Name)
	}
	if ctx.IsSet(gasFlag.Name) {
		cfg.VM.GasLimit = ctx.Uint64(gasFlag.Name)
	}
	if ctx.IsSet(debugPrintFlag.Name) {
		cfg.VM.DebugPrint = ctx.Bool(debugPrintFlag.Name)
	}
	return cfg, nil
}

func (c x86vmConfig) receiptsPath() string {
	return filepath.Join(c.Store.DataDir, "receipts.db")
}

func (c x86vmConfig) blobsPath() string {
	return filepath.Join(c.Store.DataDir, "blobs")
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return err
	}
	_, err = ctx.App.Writer.Write(out)
	return err
}
