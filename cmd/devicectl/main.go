package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/devicelink/devicelink/internal/client"
	"github.com/devicelink/devicelink/internal/config"
)

var (
	addr     string
	password string
	timeout  time.Duration
	jsonOut  bool
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "devicectl",
	Short: "Control a devicelink endpoint",
	Long: `devicectl connects to a devicelink endpoint, authenticates and sends
one command. The password comes from --password, then $` + config.EnvPassword + `,
then an interactive prompt.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:8080", "Endpoint address (host:port)")
	rootCmd.PersistentFlags().StringVar(&password, "password", "", "Endpoint password")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", client.DefaultTimeout, "Per-request timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print raw JSON replies")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log connection activity")
}

func resolvePassword() (string, error) {
	if password != "" {
		return password, nil
	}
	if v := os.Getenv(config.EnvPassword); v != "" {
		return v, nil
	}
	return promptForPassword("Password: ")
}

func promptForPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	fmt.Fprint(os.Stderr, prompt)

	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// connect dials and authenticates. The caller closes the client.
func connect(ctx context.Context) (*client.Client, error) {
	pw, err := resolvePassword()
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := client.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	c.SetTimeout(timeout)
	if err := c.Auth(pw); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}
