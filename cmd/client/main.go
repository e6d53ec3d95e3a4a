package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"chemcaptcha/internal/captcha"
	"chemcaptcha/internal/catalog"
	"chemcaptcha/internal/client"
	"chemcaptcha/internal/config"
	"chemcaptcha/internal/payload"
	"chemcaptcha/internal/session"
)

const usage = `commands:
  list                 show modules
  load <module>        load a challenge for a module (or "random")
  add <x> <y>          place a mark
  rm <id>              remove mark id
  undo                 remove the newest mark
  submit               verify the marks
  reload               fetch a new challenge for the current module
  catalog [page]       open the module catalog
  next | prev          turn the catalog page
  pick <id>            load a catalog item
  quit`

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// lockedWriter serialises output from the prompt loop and session callbacks.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}

func run(args []string, in io.Reader, stdout, errOut io.Writer) int {
	fs := flag.NewFlagSet("chemcaptcha-client", flag.ContinueOnError)
	fs.SetOutput(errOut)
	serverFlag := fs.String("server", "", "server base URL (overrides "+config.EnvServer+")")
	module := fs.String("module", captcha.RandomModule, "initial module")
	outPath := fs.String("out", "captcha.png", "where to write the current challenge image")
	width := fs.Int("width", captcha.DefaultWidth, "requested image width")
	height := fs.Int("height", captcha.DefaultHeight, "requested image height")
	keyFlag := fs.String("key", "", "payload key (overrides "+config.EnvPayloadKey+")")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	baseURL := config.ServerURL("http://localhost:8000")
	if *serverFlag != "" {
		baseURL = strings.TrimRight(*serverFlag, "/")
	}

	var (
		key []byte
		err error
	)
	if *keyFlag != "" {
		key, err = config.ParseKey(*keyFlag)
	} else {
		key, err = config.KeyFromEnv()
	}
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	codec, err := payload.NewCodec(key)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	out := &lockedWriter{w: stdout}
	api := client.New(baseURL, nil)

	var (
		lastMu    sync.Mutex
		lastToken string
	)
	onChange := func(snap session.Snapshot) {
		if snap.Challenge == nil {
			return
		}
		lastMu.Lock()
		fresh := snap.Challenge.Token != lastToken
		lastToken = snap.Challenge.Token
		lastMu.Unlock()
		if !fresh {
			return
		}
		if err := writeImage(*outPath, snap.Challenge); err != nil {
			out.printf("write image: %v\n", err)
			return
		}
		out.printf("[%s] %s (%dx%d) -> %s\n", snap.Challenge.Slug, snap.Challenge.Prompt, snap.Challenge.Width, snap.Challenge.Height, *outPath)
	}

	s := session.New(api, codec, *module, session.Options{Width: *width, Height: *height, OnChange: onChange})
	defer s.Close()
	browser := catalog.NewBrowser(api, s)
	ctx := context.Background()

	if _, err := s.Load(ctx, *module); err != nil {
		out.printf("%s: %v\n", session.MessageLoadFailed, err)
	}

	scanner := bufio.NewScanner(in)
	out.printf("> ")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 {
			if fields[0] == "quit" || fields[0] == "exit" {
				return 0
			}
			execute(ctx, out, api, s, browser, fields)
		}
		out.printf("> ")
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	return 0
}

func execute(ctx context.Context, out *lockedWriter, api *client.Client, s *session.Session, b *catalog.Browser, fields []string) {
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "help":
		out.printf("%s\n", usage)

	case "list":
		slugs, err := api.List(ctx)
		if err != nil {
			out.printf("%s: %v\n", session.MessageLoadFailed, err)
			return
		}
		out.printf("%s %s\n", captcha.RandomModule, strings.Join(slugs, " "))

	case "load":
		if len(args) != 1 {
			out.printf("usage: load <module>\n")
			return
		}
		b.Close()
		if _, err := s.Load(ctx, args[0]); err != nil {
			out.printf("%s: %v\n", session.MessageLoadFailed, err)
		}

	case "reload":
		if _, err := s.Reload(ctx); err != nil {
			out.printf("%s: %v\n", session.MessageLoadFailed, err)
		}

	case "add":
		if len(args) != 2 {
			out.printf("usage: add <x> <y>\n")
			return
		}
		x, errX := strconv.ParseFloat(args[0], 64)
		y, errY := strconv.ParseFloat(args[1], 64)
		if errX != nil || errY != nil {
			out.printf("coordinates must be numbers\n")
			return
		}
		m, ok := s.AddMark(x, y)
		if !ok {
			out.printf("mark rejected (state %s)\n", s.State())
			return
		}
		out.printf("mark %d at (%.0f, %.0f)\n", m.LocalID, m.X, m.Y)

	case "rm":
		if len(args) != 1 {
			out.printf("usage: rm <id>\n")
			return
		}
		id, err := strconv.Atoi(args[0])
		if err != nil || !s.RemoveMark(id) {
			out.printf("no mark %s\n", args[0])
		}

	case "undo":
		if !s.Undo() {
			out.printf("nothing to undo\n")
		}

	case "submit":
		outcome, err := s.Submit(ctx)
		if err != nil {
			out.printf("submit: %v\n", err)
			return
		}
		out.printf("%s: %s\n", s.State(), outcome.Message)

	case "catalog":
		page := 1
		if len(args) == 1 {
			p, err := strconv.Atoi(args[0])
			if err != nil {
				out.printf("usage: catalog [page]\n")
				return
			}
			page = p
		}
		p, err := b.FetchPage(ctx, s.Module(), page, catalog.DefaultLimit)
		printPage(out, p, err)

	case "next":
		p, err := b.Next(ctx)
		printPage(out, p, err)

	case "prev":
		p, err := b.Prev(ctx)
		printPage(out, p, err)

	case "pick":
		if len(args) != 1 {
			out.printf("usage: pick <id>\n")
			return
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			out.printf("usage: pick <id>\n")
			return
		}
		if _, err := b.Select(ctx, id); err != nil {
			out.printf("pick: %v\n", err)
		}

	default:
		out.printf("unknown command %q, try help\n", cmd)
	}
}

func printPage(out *lockedWriter, p *captcha.CatalogPage, err error) {
	if err != nil {
		out.printf("catalog: %v\n", err)
		return
	}
	if p == nil {
		out.printf("no catalog here\n")
		return
	}
	for _, it := range p.Items {
		out.printf("  %d\t%s\n", it.ID, it.Path)
	}
	prev, next := "-", "-"
	if p.HasPrev() {
		prev = "prev"
	}
	if p.HasNext() {
		next = "next"
	}
	out.printf("page %d, %d total [%s|%s]\n", p.Page, p.Total, prev, next)
}

func writeImage(path string, ch *captcha.Challenge) error {
	data, err := base64.StdEncoding.DecodeString(ch.Image)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
