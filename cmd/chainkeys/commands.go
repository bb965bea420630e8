package main

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	"example.com/chainkeys/pkg/armor"
	"example.com/chainkeys/pkg/container"
	"example.com/chainkeys/pkg/guarded"
	"example.com/chainkeys/pkg/metrics"
	"example.com/chainkeys/pkg/provision"
	"example.com/chainkeys/pkg/seal"
)

func rootgen(args []string) {
	fs, c := newFlagSet("rootgen")
	recipients := fs.StringArrayP("recipient", "r", nil, "age recipient (age1...) to encrypt the root to; repeatable")
	parse(fs, args)
	a := setup(fs, c, false)

	root, err := provision.Generate(guarded.WithAllocator(a.cfg.Allocator()))
	fatalIf(err)
	defer root.Destroy()

	var out []byte
	if len(*recipients) > 0 {
		out, err = provision.Encrypt(root, *recipients)
	} else {
		out, err = provision.Armor(root)
	}
	fatalIf(err)
	fatalIf(a.writeOut(out, 0o600))
	a.log.Info("root key generated", "encrypted", len(*recipients) > 0, "out", a.out)
}

func encodeKey(b *guarded.Buffer, format string) (string, error) {
	var s string
	err := b.View(func(k []byte) error {
		switch format {
		case "hex":
			s = hex.EncodeToString(k)
		case "base64":
			s = base64.StdEncoding.EncodeToString(k)
		default:
			return fmt.Errorf("unknown --format %q", format)
		}
		return nil
	})
	return s, err
}

func derive(args []string) {
	fs, c := newFlagSet("derive")
	channel := fs.Uint16("channel", 0, "channel index")
	step := fs.Uint64("step", 0, "chain step")
	format := fs.String("format", "hex", "hex|base64")
	parse(fs, args)
	a := setup(fs, c, true)
	defer a.close()

	key, err := a.store.At(*channel, *step)
	fatalIf(err)
	defer key.Destroy()
	s, err := encodeKey(key, *format)
	fatalIf(err)
	fatalIf(a.writeOut([]byte(s+"\n"), 0o600))
}

func current(args []string) {
	fs, c := newFlagSet("current")
	channel := fs.Uint16("channel", 0, "channel index")
	count := fs.Int("count", 1, "number of keys to consume")
	format := fs.String("format", "hex", "hex|base64")
	parse(fs, args)
	a := setup(fs, c, true)
	defer a.close()

	if *count < 1 {
		fatalf("--count must be positive")
	}
	var buf bytes.Buffer
	for i := 0; i < *count; i++ {
		key, step, err := a.store.Current(*channel)
		fatalIf(err)
		s, err := encodeKey(key, *format)
		_ = key.Destroy()
		fatalIf(err)
		fmt.Fprintf(&buf, "%d %s\n", step, s)
	}
	fatalIf(a.writeOut(buf.Bytes(), 0o600))
}

func sealCmd(args []string) {
	fs, c := newFlagSet("seal")
	channel := fs.Uint16("channel", 0, "channel index")
	skip := fs.Uint64("skip", 0, "consume this many keys first, continuing a chain used by earlier runs")
	ad := fs.String("ad", "", "associated data")
	armored := fs.Bool("armor", false, "ASCII armor output (default: binary)")
	fs.String("aead", "", "AEAD: "+fmt.Sprint(seal.AEADNames()))
	fs.String("codec", "", "payload codec")
	parse(fs, args)
	a := setup(fs, c, true)
	defer a.close()

	plaintext, err := readInput(fs)
	fatalIf(err)
	s := a.sealer()
	for i := uint64(0); i < *skip; i++ {
		key, _, err := a.store.Current(*channel)
		fatalIf(err)
		_ = key.Destroy()
	}
	f, err := s.Seal(*channel, plaintext, []byte(*ad))
	fatalIf(err)
	w, err := a.create(0o644)
	fatalIf(err)
	out := io.Writer(w)
	var aw *armor.Writer
	if *armored {
		aw, err = armor.NewWriter(w, armor.FrameBlock, map[string]string{
			"Channel": strconv.Itoa(int(f.Header.Channel)),
			"Step":    strconv.FormatUint(f.Header.Step, 10),
		}, true)
		fatalIf(err)
		out = aw
	}
	fatalIf(container.Write(out, f))
	if aw != nil {
		fatalIf(aw.Close())
	}
	fatalIf(w.Close())
	a.log.Info("sealed", "channel", f.Header.Channel, "step", f.Header.Step,
		"aead", f.Header.AEAD, "codec", f.Header.Codec, "ciphertext", len(f.Ciphertext))
}

func openCmd(args []string) {
	fs, c := newFlagSet("open")
	ad := fs.String("ad", "", "associated data")
	maxStep := fs.Uint64("max-step", 0, "highest step to replay to (default from config)")
	parse(fs, args)
	a := setup(fs, c, true)
	defer a.close()

	in, err := readInput(fs)
	fatalIf(err)
	if bytes.HasPrefix(bytes.TrimSpace(in), []byte("-----BEGIN ")) {
		in, _, err = armor.DecodeType(armor.FrameBlock, in)
		fatalIf(err)
	}
	f, err := container.Unmarshal(in)
	fatalIf(err)
	if fs.Changed("max-step") {
		a.cfg.Seal.MaxStep = *maxStep
	}
	plaintext, err := a.sealer().Open(f, []byte(*ad))
	fatalIf(err)
	fatalIf(a.writeOut(plaintext, 0o600))
	a.log.Debug("opened", "channel", f.Header.Channel, "step", f.Header.Step)
}

func stats(args []string) {
	fs, c := newFlagSet("stats")
	channel := fs.Uint16("channel", 0, "channel to exercise")
	advance := fs.Int("advance", 0, "keys to consume from the channel")
	at := fs.Uint64("derive", 0, "recompute the key at this step once")
	parse(fs, args)
	a := setup(fs, c, true)
	defer a.close()

	for i := 0; i < *advance; i++ {
		key, _, err := a.store.Current(*channel)
		fatalIf(err)
		_ = key.Destroy()
	}
	if fs.Changed("derive") {
		key, err := a.store.At(*channel, *at)
		fatalIf(err)
		_ = key.Destroy()
	}
	var buf bytes.Buffer
	fatalIf(metrics.Dump(&buf, a.reg))
	fatalIf(a.writeOut(buf.Bytes(), 0o644))
}

func (a *app) sealer() *seal.Sealer {
	s, err := seal.New(a.store,
		seal.WithAEAD(a.cfg.Seal.AEAD),
		seal.WithCodec(a.cfg.Seal.Codec),
		seal.WithMaxStep(a.cfg.Seal.MaxStep),
	)
	fatalIf(err)
	return s
}
