// Command chainkeys derives forward-secure per-channel keys from a root key
// and seals payloads under them.
package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/awnumar/memcall"
	"github.com/awnumar/memguard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"example.com/chainkeys/pkg/config"
	"example.com/chainkeys/pkg/guarded"
	"example.com/chainkeys/pkg/keystore"
	"example.com/chainkeys/pkg/metrics"
	"example.com/chainkeys/pkg/provision"
	"example.com/chainkeys/pkg/util/securemem"
)

var version = "dev"

const usage = `usage: chainkeys <command> [flags]

commands:
  rootgen   generate a root key (armored, or age-encrypted with --recipient)
  derive    print the key at a channel and step
  current   consume and print the next keys of a channel
  seal      seal stdin or a file into a frame
  open      open a frame
  stats     exercise a channel and print store metrics
  version   print the version
`

func fatalIf(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "chainkeys:", err)
		memguard.SafeExit(1)
	}
}

func fatalf(format string, a ...any) { fatalIf(fmt.Errorf(format, a...)) }

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()
	_ = memcall.DisableCoreDumps()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		memguard.SafeExit(2)
	}
	commands := map[string]func([]string){
		"rootgen": rootgen,
		"derive":  derive,
		"current": current,
		"seal":    sealCmd,
		"open":    openCmd,
		"stats":   stats,
		"version": func([]string) { fmt.Println(version) },
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "chainkeys: unknown command %q\n\n%s", os.Args[1], usage)
		memguard.SafeExit(2)
	}
	cmd(os.Args[2:])
}

// common holds the flags every command accepts.
type common struct {
	configPath  string
	logLevel    string
	rootFile    string
	ageIdentity string
	rootB64     string
	channels    int
	hash        string
	allocator   string
	outPath     string
}

func newFlagSet(name string) (*pflag.FlagSet, *common) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	c := &common{}
	fs.StringVar(&c.configPath, "config", "", "YAML config file (default $"+config.EnvVar+")")
	fs.StringVar(&c.logLevel, "log-level", "", "debug|info|warn|error")
	fs.StringVar(&c.rootFile, "root-file", "", "root key file, mode 0600")
	fs.StringVar(&c.ageIdentity, "age-identity", "", "age identity file to decrypt --root-file")
	fs.StringVar(&c.rootB64, "root-b64", "", "root key as base64 (testing only)")
	fs.IntVar(&c.channels, "channels", 0, "number of channels")
	fs.StringVar(&c.hash, "hash", "", "chain hash")
	fs.StringVar(&c.allocator, "allocator", "", "page|locked")
	fs.StringVarP(&c.outPath, "out", "o", "", "output file (default: stdout)")
	return fs, c
}

func parse(fs *pflag.FlagSet, args []string) {
	err := fs.Parse(args)
	if errors.Is(err, pflag.ErrHelp) {
		memguard.SafeExit(0)
	}
	fatalIf(err)
}

// app is the configured runtime shared by the commands.
type app struct {
	cfg   *config.Config
	log   *slog.Logger
	reg   *prometheus.Registry
	store *keystore.Store
	out   string
}

// setup resolves configuration, logging and, when withStore is set, a
// provisioned key store.
func setup(fs *pflag.FlagSet, c *common, withStore bool) *app {
	cfg, err := config.Load(c.configPath)
	fatalIf(err)
	if fs.Changed("log-level") {
		cfg.Log.Level = c.logLevel
	}
	if fs.Changed("channels") {
		cfg.Store.Channels = c.channels
	}
	if fs.Changed("hash") {
		cfg.Store.Hash = c.hash
	}
	if fs.Changed("allocator") {
		cfg.Store.Allocator = c.allocator
	}
	if fs.Changed("root-file") {
		cfg.Root.File = c.rootFile
	}
	if fs.Changed("age-identity") {
		cfg.Root.AgeIdentity = c.ageIdentity
	}
	if fs.Changed("aead") {
		cfg.Seal.AEAD, _ = fs.GetString("aead")
	}
	if fs.Changed("codec") {
		cfg.Seal.Codec, _ = fs.GetString("codec")
	}
	fatalIf(cfg.Validate())

	level, _ := cfg.LogLevel()
	a := &app{
		cfg: cfg,
		log: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
		reg: prometheus.NewRegistry(),
		out: c.outPath,
	}
	if withStore {
		a.store = a.openStore(c)
	}
	return a
}

func (a *app) openStore(c *common) *keystore.Store {
	fn, err := a.cfg.HashFunc()
	fatalIf(err)
	obs, err := metrics.New(a.reg)
	fatalIf(err)
	store, err := keystore.New(a.cfg.Store.Channels,
		keystore.WithHash(fn),
		keystore.WithAllocator(a.cfg.Allocator()),
		keystore.WithObserver(obs),
	)
	fatalIf(err)

	root, err := a.loadRoot(c)
	fatalIf(err)
	defer root.Destroy()
	fatalIf(store.InitRoot(root))
	a.log.Debug("store provisioned",
		"channels", store.Channels(),
		"hash", fn.Name(),
		"allocator", a.cfg.Store.Allocator,
		"epoch", store.Epoch())
	return store
}

func (a *app) loadRoot(c *common) (*guarded.Buffer, error) {
	opts := []guarded.Option{guarded.WithAllocator(a.cfg.Allocator())}
	switch {
	case c.rootB64 != "":
		raw, err := base64.StdEncoding.DecodeString(c.rootB64)
		if err != nil {
			return nil, fmt.Errorf("--root-b64: %w", err)
		}
		if len(raw) != keystore.KeySize {
			memguard.WipeBytes(raw)
			return nil, fmt.Errorf("--root-b64: %w: %d bytes, need %d", keystore.ErrRootSize, len(raw), keystore.KeySize)
		}
		// securemem.New wipes raw.
		s, err := securemem.New(raw)
		if err != nil {
			return nil, fmt.Errorf("--root-b64: %w", err)
		}
		return s.Move(opts...)
	case a.cfg.Root.File != "":
		a.log.Debug("loading root key", "file", a.cfg.Root.File, "age", a.cfg.Root.AgeIdentity != "")
		return provision.FromFile(a.cfg.Root.File, provision.FileOptions{
			AgeIdentityFile: a.cfg.Root.AgeIdentity,
			Guarded:         opts,
		})
	default:
		return nil, errors.New("no root key: use --root-file, root.file in the config, or --root-b64")
	}
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("closing store", "err", err)
		}
	}
}

// create opens --out with mode, truncating it, or returns stdout.
func (a *app) create(mode os.FileMode) (io.WriteCloser, error) {
	if a.out == "" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.OpenFile(a.out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return nil, err
	}
	if err := f.Chmod(mode); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// writeOut writes b to --out, or stdout.
func (a *app) writeOut(b []byte, mode os.FileMode) error {
	w, err := a.create(mode)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// readInput reads the first positional argument, or stdin when it is
// absent or "-".
func readInput(fs *pflag.FlagSet) ([]byte, error) {
	if rest := fs.Args(); len(rest) > 0 && rest[0] != "-" {
		return os.ReadFile(rest[0])
	}
	return io.ReadAll(os.Stdin)
}
