package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mattn/go-shellwords"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/myuser/uranus/internal/client"
)

var (
	addr    string
	history string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "uranus-cli [command [arg ...]]",
		Short: "Uranus command line client",
		Long: "Runs a single command when one is given, otherwise starts an interactive shell.\n" +
			"A transaction opened with BEGIN lives until COMMIT, ABORT or exit.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runCli,
	}
	rootCmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:12322", "server address")
	rootCmd.Flags().StringVar(&history, "history", defaultHistory(), "shell history file")
	rootCmd.Flags().SetInterspersed(false)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultHistory() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".uranus_history")
}

func runCli(cmd *cobra.Command, args []string) error {
	c, err := client.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	if len(args) > 0 {
		out, err := execute(c, args)
		fmt.Print(out)
		return err
	}
	return shellLoop(c)
}

// execute sends one command and renders its reply. Server error replies are
// rendered rather than returned; only transport failures are errors.
func execute(c *client.Client, args []string) (string, error) {
	raw := make([][]byte, len(args))
	for i, a := range args {
		raw[i] = []byte(a)
	}
	v, err := c.Do(raw...)
	var se *client.ServerError
	if err != nil && !errors.As(err, &se) {
		return "", err
	}
	return formatValue(v, ""), nil
}

func shellLoop(c *client.Client) error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            addr + "> ",
		HistoryFile:       history,
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return nil
		} else if err != nil {
			continue
		}
		line = strings.TrimSpace(line)
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		args, err := shellwords.Parse(line)
		if err != nil {
			fmt.Fprintf(l.Stderr(), "(parse error) %v\n", err)
			continue
		}
		out, err := execute(c, args)
		if err != nil {
			return err
		}
		fmt.Fprint(l.Stdout(), out)
	}
}
