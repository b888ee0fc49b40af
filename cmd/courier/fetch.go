package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/always-cache/courier"
	"github.com/always-cache/courier/auth"
)

var (
	methodFlag   string
	headerFlags  []string
	dataFlag     string
	userFlag     string
	outputFlag   string
	noCacheFlag  bool
	noFollowFlag bool
	includeFlag  bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch URL",
	Short: "Fetch a URL and write the response body to stdout",
	Args:  cobra.ExactArgs(1),
	RunE:  runFetch,
}

func init() {
	fetchCmd.Flags().StringVarP(&methodFlag, "method", "X", "", "Request method (default GET, or POST with --data)")
	fetchCmd.Flags().StringArrayVarP(&headerFlags, "header", "H", nil, "Request header as 'Name: value' (repeatable)")
	fetchCmd.Flags().StringVarP(&dataFlag, "data", "d", "", "Request body; @file reads it from a file")
	fetchCmd.Flags().StringVarP(&userFlag, "user", "u", "", "Credentials as user[:password]; the password is prompted for if missing")
	fetchCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "Write the body to a file instead of stdout")
	fetchCmd.Flags().BoolVar(&noCacheFlag, "no-cache", false, "Do not answer from the cache")
	fetchCmd.Flags().BoolVar(&noFollowFlag, "no-follow", false, "Do not follow redirects")
	fetchCmd.Flags().BoolVarP(&includeFlag, "include", "i", false, "Print the response headers")
}

func runFetch(cmd *cobra.Command, args []string) error {
	m, err := buildMessage(args[0])
	if err != nil {
		return err
	}

	sessionConfig, err := config.sessionConfig()
	if err != nil {
		return err
	}
	if userFlag != "" {
		sessionConfig.Prompt = credentialsPrompt(userFlag)
	}
	c, err := config.openCache()
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	if c != nil {
		defer c.Close()
		sessionConfig.Cache = c
	}

	session := courier.NewSession(sessionConfig)
	defer session.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	status, err := session.Send(ctx, m)
	printStatus(os.Stderr, m)
	if err != nil {
		return err
	}
	if c != nil {
		// let the body reach the disk before exiting
		if err := c.Flush(ctx); err != nil {
			log.Warn().Err(err).Msg("Cache not flushed")
		}
	}

	out := io.Writer(os.Stdout)
	if outputFlag != "" {
		f, err := os.Create(outputFlag)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	if includeFlag {
		m.ResponseHeader().Write(os.Stderr)
		fmt.Fprintln(os.Stderr)
	}
	if _, err := out.Write(m.ResponseBody()); err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("%d %s", status, m.Reason())
	}
	return nil
}

func buildMessage(rawURL string) (*courier.Message, error) {
	method := methodFlag
	if method == "" {
		method = "GET"
		if dataFlag != "" {
			method = "POST"
		}
	}
	m, err := courier.NewMessage(strings.ToUpper(method), rawURL)
	if err != nil {
		return nil, err
	}
	for _, h := range headerFlags {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("invalid header %q", h)
		}
		m.RequestHeader().Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	if dataFlag != "" {
		body := []byte(dataFlag)
		if filename, ok := strings.CutPrefix(dataFlag, "@"); ok {
			if body, err = os.ReadFile(filename); err != nil {
				return nil, err
			}
		}
		m.SetRequestBody(m.RequestHeader().Get("Content-Type"), courier.SystemOwned, body)
	}
	var flags courier.Flags
	if noCacheFlag {
		flags |= courier.NoCache
	}
	if noFollowFlag {
		flags |= courier.NoRedirect
	}
	m.SetFlags(flags)
	return m, nil
}

// credentialsPrompt answers challenges with the user given on the command
// line, asking on the terminal for the password when it was left out.
func credentialsPrompt(userinfo string) auth.Prompt {
	user, password, hasPassword := strings.Cut(userinfo, ":")
	if hasPassword {
		return auth.StaticCredentials{Username: user, Password: password}
	}
	return auth.PromptFunc(func(ctx context.Context, a *auth.Auth, retrying bool) (string, string, bool) {
		password, err := readPassword(os.Stdin, os.Stderr, passwordPrompt(a, user, retrying))
		if err != nil {
			log.Debug().Err(err).Msg("No password read")
			return "", "", false
		}
		return user, password, true
	})
}
