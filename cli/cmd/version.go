package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/filedriver/types"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version       string `json:"version" yaml:"version"`
	FrameContract string `json:"frame_contract" yaml:"frame_contract"`
	Commit        string `json:"commit" yaml:"commit"`
}

// VersionCommand returns the version command.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Usage:   "Output format: json or yaml",
				Value:   "json",
			},
		},
		Action: func(c *cli.Context) error {
			resp := VersionResponse{
				Version:       types.Version,
				FrameContract: types.FrameContractVersion,
				Commit:        commit,
			}
			if err := renderVersion(c.App.Writer, c.String("format"), resp); err != nil {
				return cli.Exit(err.Error(), exitConfigError)
			}
			return nil
		},
	}
}

func renderVersion(w io.Writer, format string, resp VersionResponse) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer func() { _ = enc.Close() }()
		return enc.Encode(resp)
	default:
		return fmt.Errorf("invalid format: %q (must be json or yaml)", format)
	}
}
