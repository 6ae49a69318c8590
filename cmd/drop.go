package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/dropsock/internal/command"
	"firestige.xyz/dropsock/internal/config"
)

var dropCmd = &cobra.Command{
	Use:   "drop [source destination]...",
	Short: "Terminate TCP connections",
	Long: `Terminate the TCP connections named by endpoint pairs.

Each pair is "source destination" where source is the remote peer and
destination is the local socket, both written addr:port. IPv6 addresses
are written without brackets.

Pairs come from the arguments, from --file, or from stdin. A .yaml/.yml
file holds a list:

  pairs:
    - source: 203.0.113.7:51234
      destination: 10.0.0.5:443

Examples:
  dropsock drop 203.0.113.7:51234 10.0.0.5:443
  dropsock drop --context edge -f pairs.txt
  ss -Htn state established dport :443 | awk '{print $5, $4}' | dropsock drop`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := readRequest(args, dropFile, cmd.InOrStdin())
		if err != nil {
			return err
		}
		return runDrop(cmd.Context(), text, cmd.OutOrStdout())
	},
}

var (
	dropContext string
	dropFile    string
	dropViaRPC  bool
)

func init() {
	dropCmd.Flags().StringVarP(&dropContext, "context", "x", config.DefaultContext,
		"context whose connections are terminated")
	dropCmd.Flags().StringVarP(&dropFile, "file", "f", "",
		"read pairs from file (- for stdin)")
	dropCmd.Flags().BoolVar(&dropViaRPC, "via-rpc", false,
		"send through the control socket instead of the context's drop socket")
}

// pairFile is the YAML form of a request.
type pairFile struct {
	Pairs []struct {
		Source      string `yaml:"source"`
		Destination string `yaml:"destination"`
	} `yaml:"pairs"`
}

// readRequest builds request text from args, a file or stdin, in that order
// of preference.
func readRequest(args []string, file string, stdin io.Reader) ([]byte, error) {
	switch {
	case file == "-":
		return io.ReadAll(stdin)
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		ext := strings.ToLower(filepath.Ext(file))
		if ext == ".yaml" || ext == ".yml" {
			return yamlRequest(data)
		}
		return data, nil
	case len(args) > 0:
		if len(args)%2 != 0 {
			return nil, fmt.Errorf("endpoint %q has no destination", args[len(args)-1])
		}
		var b bytes.Buffer
		for i := 0; i < len(args); i += 2 {
			fmt.Fprintf(&b, "%s %s\n", args[i], args[i+1])
		}
		return b.Bytes(), nil
	default:
		return io.ReadAll(stdin)
	}
}

func yamlRequest(data []byte) ([]byte, error) {
	var pf pairFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse pairs: %w", err)
	}
	var b bytes.Buffer
	for i, p := range pf.Pairs {
		if p.Source == "" || p.Destination == "" {
			return nil, fmt.Errorf("pair %d: source and destination are required", i)
		}
		fmt.Fprintf(&b, "%s %s\n", p.Source, p.Destination)
	}
	return b.Bytes(), nil
}

func runDrop(ctx context.Context, text []byte, out io.Writer) error {
	if dropViaRPC {
		res, err := newClient().Drop(ctx, command.DropParams{Context: dropContext, Pairs: string(text)})
		if err != nil {
			return fmt.Errorf("drop failed: %w", err)
		}
		printDrop(out, res.Session, res.Accepted, res.Attempts, res.Halted)
		return nil
	}

	path := controlConfig().DropSocket(dropContext)
	reply, err := command.SendPairs(ctx, path, bytes.NewReader(text))
	if reply.Session != "" {
		printDrop(out, reply.Session, reply.Accepted, reply.Attempts, "")
	}
	if err != nil {
		return fmt.Errorf("drop via %s failed: %w", path, err)
	}
	return nil
}

func printDrop(out io.Writer, session string, accepted, attempts int, halted string) {
	fmt.Fprintf(out, "session %s: %d bytes accepted, %d pair(s) attempted\n", session, accepted, attempts)
	if halted != "" {
		fmt.Fprintf(out, "stopped early: %s\n", halted)
	}
}
