package cli

import (
	"errors"
	"flag"
	"fmt"
	"path/filepath"
	"strings"

	"yt-digest/internal/config"
)

func runConfig(args []string) error {
	if len(args) == 0 || args[0] != "init" {
		return errors.New("usage: yt-digest config init [--path <file>] [--force]")
	}
	fs := flag.NewFlagSet("config init", flag.ContinueOnError)
	path := fs.String("path", "", "where to write (default <data-dir>/config.toml)")
	force := fs.Bool("force", false, "overwrite an existing file")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(strings.TrimSpace(*path))
	if err != nil {
		return err
	}
	target := firstNonEmpty(strings.TrimSpace(*path), filepath.Join(cfg.DataDir, config.ConfigFileName))
	if err := config.WriteTOML(cfg, target, *force); err != nil {
		return err
	}
	fmt.Printf("config: %s\n", target)
	fmt.Printf("data_dir: %s\n", cfg.DataDir)
	fmt.Printf("db_path: %s\n", cfg.DBPath)
	return nil
}
