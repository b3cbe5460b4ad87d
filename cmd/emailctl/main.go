// Command emailctl drives the operator endpoints of the newsletter api.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const usage = `usage: emailctl [-addr URL] <command> <id>

commands:
  status    <emailId>   show an email and its batches
  failures  <emailId>   list failed recipients
  attempts  <batchId>   list provider attempts of a batch
  retry     <emailId>   requeue failed batches
  resend    <emailId>   plan a failed email again
  cancel    <emailId>   cancel an email
`

type command struct {
	method string
	paths  []string
}

var commands = map[string]command{
	"status":   {method: resty.MethodGet, paths: []string{"/v1/emails/%s", "/v1/emails/%s/batches"}},
	"failures": {method: resty.MethodGet, paths: []string{"/v1/emails/%s/failures"}},
	"attempts": {method: resty.MethodGet, paths: []string{"/v1/batches/%s/attempts"}},
	"retry":    {method: resty.MethodPost, paths: []string{"/v1/emails/%s/retry"}},
	"resend":   {method: resty.MethodPost, paths: []string{"/v1/emails/%s/resend"}},
	"cancel":   {method: resty.MethodPost, paths: []string{"/v1/emails/%s/cancel"}},
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "emailctl:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("emailctl", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	addr := fs.String("addr", envOr("NEWSLETTER_API_URL", "http://localhost:8080"), "api base url")
	timeout := fs.Duration("timeout", 60*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return fmt.Errorf("expected a command and an id")
	}

	cmd, ok := commands[fs.Arg(0)]
	if !ok {
		fs.Usage()
		return fmt.Errorf("unknown command %q", fs.Arg(0))
	}
	id := strings.TrimSpace(fs.Arg(1))
	if id == "" {
		return fmt.Errorf("id is required")
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(*addr, "/")).
		SetTimeout(*timeout).
		SetHeader("Accept", "application/json")

	for _, path := range cmd.paths {
		if err := call(client, cmd.method, fmt.Sprintf(path, id), out); err != nil {
			return err
		}
	}
	return nil
}

func call(client *resty.Client, method, path string, out io.Writer) error {
	resp, err := client.R().Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, resp.Body(), "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(resp.Body())
	}
	fmt.Fprintln(out, pretty.String())

	if resp.IsError() {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status())
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
