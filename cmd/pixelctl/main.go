package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"

	"github.com/troy-samuels/employer-brand-os-sub003/pkg/signing"
)

type CLI struct {
	GenSecret GenSecret `kong:"cmd,name='gen-secret',help='Generate a pixel API key and signing secret.'"`
	Sign      Sign      `kong:"cmd,help='Print signature headers for a request.'"`
	Verify    Verify    `kong:"cmd,help='Check a signature against a request.'"`
}

// env is bound into every command's Run.
type env struct {
	Out  io.Writer
	Rand io.Reader
	Now  func() time.Time
}

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], &env{Out: os.Stdout, Rand: rand.Reader, Now: time.Now}); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, e *env) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("pixelctl"),
		kong.Description("Operator tooling for signed pixel requests."),
		kong.Writers(e.Out, e.Out),
		kong.Exit(func(int) {}),
	)
	if err != nil {
		return err
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(e)
}

type GenSecret struct {
	Bytes  int    `kong:"default='32',help='Secret length in random bytes.'"`
	Tenant string `kong:"help='Tenant recorded in the PIXEL_KEYS entry.'"`
}

func (g GenSecret) Run(e *env) error {
	if g.Bytes < 16 {
		return errors.New("secrets shorter than 16 bytes are not accepted")
	}
	buf := make([]byte, g.Bytes)
	if _, err := io.ReadFull(e.Rand, buf); err != nil {
		return fmt.Errorf("read random: %w", err)
	}
	key := "pk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	secret := base64.RawURLEncoding.EncodeToString(buf)
	entry := key + ":" + secret
	if g.Tenant != "" {
		entry += ":" + g.Tenant
	}
	fmt.Fprintf(e.Out, "key:    %s\nsecret: %s\nPIXEL_KEYS entry: %s\n", key, secret, entry)
	return nil
}

// RequestSpec is shared by commands that describe one request.
type RequestSpec struct {
	Target   string `kong:"arg,help='Path with query (/v1/facts?key=pk_x) or absolute URL.'"`
	Method   string `kong:"default='GET',help='HTTP method.'"`
	Body     string `kong:"help='Request body.'"`
	BodyFile string `kong:"name='body-file',type='existingfile',help='Read the request body from a file.'"`
}

func (r RequestSpec) pathWithQuery() (string, error) {
	u, err := url.Parse(r.Target)
	if err != nil {
		return "", fmt.Errorf("parse target: %w", err)
	}
	if u.Path == "" && u.RawQuery == "" {
		return "", errors.New("target must include a path")
	}
	return u.RequestURI(), nil
}

func (r RequestSpec) body() ([]byte, error) {
	if r.BodyFile != "" {
		if r.Body != "" {
			return nil, errors.New("--body and --body-file are exclusive")
		}
		return os.ReadFile(r.BodyFile)
	}
	return []byte(r.Body), nil
}

type Sign struct {
	RequestSpec `kong:"embed"`

	Secret    string `kong:"env='PIXEL_SECRET',required,help='Signing secret for the API key.'"`
	Nonce     string `kong:"help='Nonce to sign. Defaults to a random UUID.'"`
	Timestamp int64  `kong:"help='Unix seconds to sign at. Defaults to now.'"`
	Format    string `kong:"default='headers',enum='headers,json,curl',help='Output format.'"`
}

func (s Sign) Run(e *env) error {
	pq, err := s.pathWithQuery()
	if err != nil {
		return err
	}
	body, err := s.body()
	if err != nil {
		return err
	}
	nonce := s.Nonce
	if nonce == "" {
		nonce = uuid.NewString()
	}
	at := e.Now()
	if s.Timestamp > 0 {
		at = time.Unix(s.Timestamp, 0)
	}
	method := strings.ToUpper(s.Method)
	headers := signing.SignRequest(s.Secret, method, pq, nonce, body, at).Map()

	switch s.Format {
	case "json":
		enc := json.NewEncoder(e.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(headers)
	case "curl":
		fmt.Fprintf(e.Out, "curl -X %s", method)
		for _, k := range sortedHeaderNames(headers) {
			fmt.Fprintf(e.Out, " -H '%s: %s'", k, headers[k])
		}
		if len(body) > 0 {
			fmt.Fprintf(e.Out, " --data-binary %s", strconv.Quote(string(body)))
		}
		fmt.Fprintf(e.Out, " '%s'\n", s.Target)
	default:
		for _, k := range sortedHeaderNames(headers) {
			fmt.Fprintf(e.Out, "%s: %s\n", k, headers[k])
		}
	}
	return nil
}

type Verify struct {
	RequestSpec `kong:"embed"`

	Secret    string `kong:"env='PIXEL_SECRET',required,help='Signing secret for the API key.'"`
	Signature string `kong:"required,help='Value of the signature header.'"`
	Nonce     string `kong:"required,help='Value of the nonce header.'"`
	Timestamp string `kong:"required,help='Value of the timestamp header.'"`
}

func (v Verify) Run(e *env) error {
	pq, err := v.pathWithQuery()
	if err != nil {
		return err
	}
	body, err := v.body()
	if err != nil {
		return err
	}
	payload := signing.BuildPayload(strings.ToUpper(v.Method), pq, v.Timestamp, v.Nonce, body)
	if !signing.Verify(v.Secret, payload, v.Signature) {
		return errors.New("signature mismatch")
	}
	fmt.Fprintln(e.Out, "signature ok")
	return nil
}

func sortedHeaderNames(h map[string]string) []string {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
