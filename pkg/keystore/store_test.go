package keystore_test

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	gohash "hash"
	"sort"
	"sync"
	"testing"

	"example.com/chainkeys/pkg/crypto/hash"
	"example.com/chainkeys/pkg/guarded"
	"example.com/chainkeys/pkg/guarded/guardedtest"
	"example.com/chainkeys/pkg/keystore"
)

func newStore(t *testing.T, channels int, opts ...keystore.Option) *keystore.Store {
	t.Helper()
	s, err := keystore.New(channels, opts...)
	if err != nil {
		t.Fatalf("New(%d): %v", channels, err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func rootKey(t *testing.T, b []byte) *guarded.Buffer {
	t.Helper()
	k, err := guarded.New(len(b))
	if err != nil {
		t.Fatalf("guarded.New: %v", err)
	}
	t.Cleanup(func() { _ = k.Destroy() })
	if err := k.Write(b); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return k
}

func provisioned(t *testing.T, channels int, root []byte, opts ...keystore.Option) *keystore.Store {
	t.Helper()
	s := newStore(t, channels, opts...)
	if err := s.InitRoot(rootKey(t, root)); err != nil {
		t.Fatalf("InitRoot: %v", err)
	}
	return s
}

func take(t *testing.T, b *guarded.Buffer) []byte {
	t.Helper()
	defer b.Destroy()
	var out []byte
	if err := b.View(func(data []byte) error {
		out = append(out, data...)
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
	return out
}

func at(t *testing.T, s *keystore.Store, idx uint16, step uint64) []byte {
	t.Helper()
	k, err := s.At(idx, step)
	if err != nil {
		t.Fatalf("At(%d, %d): %v", idx, step, err)
	}
	return take(t, k)
}

func chainRoot(root []byte, idx uint16) []byte {
	in := binary.LittleEndian.AppendUint16(append([]byte(nil), root...), idx)
	sum := sha256.Sum256(in)
	return sum[:]
}

func sha(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

func testRoot() []byte {
	root := make([]byte, keystore.KeySize)
	for i := range root {
		root[i] = byte(i * 7)
	}
	return root
}

func TestAtZeroIsChainRoot(t *testing.T) {
	root := testRoot()
	s := provisioned(t, 4, root)
	for idx := uint16(0); idx < 4; idx++ {
		if got, want := at(t, s, idx, 0), chainRoot(root, idx); !bytes.Equal(got, want) {
			t.Fatalf("At(%d, 0) = %x, want %x", idx, got, want)
		}
	}
}

func TestAtFollowsHashChain(t *testing.T) {
	root := testRoot()
	s := provisioned(t, 2, root, keystore.WithAllocator(&guardedtest.Allocator{}))

	want := chainRoot(root, 1)
	expected := [][]byte{want}
	for n := 1; n <= 1001; n++ {
		want = sha(want)
		expected = append(expected, want)
	}
	for _, n := range []uint64{0, 1, 2, 3, 10, 64, 255, 256, 500, 999, 1000} {
		cur, next := at(t, s, 1, n), at(t, s, 1, n+1)
		if !bytes.Equal(cur, expected[n]) {
			t.Fatalf("At(1, %d) diverges from the hash chain", n)
		}
		if !bytes.Equal(next, sha(cur)) {
			t.Fatalf("At(1, %d) != H(At(1, %d))", n+1, n)
		}
	}
}

func TestAtDoesNotConsume(t *testing.T) {
	s := provisioned(t, 1, testRoot())
	first := at(t, s, 0, 5)
	second := at(t, s, 0, 5)
	if !bytes.Equal(first, second) {
		t.Fatalf("At is not repeatable")
	}
	if n, _ := s.Steps(0); n != 0 {
		t.Fatalf("Steps after At = %d, want 0", n)
	}
}

func TestCurrentMatchesAt(t *testing.T) {
	s := provisioned(t, 3, testRoot())
	const k = 20
	for j := uint64(0); j < k; j++ {
		key, step, err := s.Current(2)
		if err != nil {
			t.Fatalf("Current: %v", err)
		}
		if step != j {
			t.Fatalf("step = %d, want %d", step, j)
		}
		if got, want := take(t, key), at(t, s, 2, j); !bytes.Equal(got, want) {
			t.Fatalf("Current #%d != At(2, %d)", j, j)
		}
	}
	if n, _ := s.Steps(2); n != k {
		t.Fatalf("Steps = %d, want %d", n, k)
	}
	for _, idx := range []uint16{0, 1} {
		if n, _ := s.Steps(idx); n != 0 {
			t.Fatalf("channel %d advanced to %d", idx, n)
		}
	}
}

func TestCurrentReturnsIndependentCopies(t *testing.T) {
	s := provisioned(t, 1, testRoot())
	key, _, err := s.Current(0)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	defer key.Destroy()
	if err := key.Write(make([]byte, keystore.KeySize)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	next, step, err := s.Current(0)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if got, want := take(t, next), at(t, s, 0, step); !bytes.Equal(got, want) {
		t.Fatalf("mutating a returned key changed the chain")
	}
}

func TestChannelsAreDistinct(t *testing.T) {
	s := provisioned(t, 16, testRoot())
	seen := map[string]uint16{}
	for idx := uint16(0); idx < 16; idx++ {
		k := string(at(t, s, idx, 0))
		if prev, ok := seen[k]; ok {
			t.Fatalf("channels %d and %d share a chain root", prev, idx)
		}
		seen[k] = idx
	}
}

func TestDeterministic(t *testing.T) {
	run := func() [][]byte {
		s := provisioned(t, 3, testRoot())
		var out [][]byte
		for idx := uint16(0); idx < 3; idx++ {
			out = append(out, at(t, s, idx, 7))
			for i := 0; i < 3; i++ {
				key, _, err := s.Current(idx)
				if err != nil {
					t.Fatalf("Current: %v", err)
				}
				out = append(out, take(t, key))
			}
		}
		return out
	}
	a, b := run(), run()
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			t.Fatalf("output %d differs between runs", i)
		}
	}
}

func TestZeroRootTwoChannels(t *testing.T) {
	zero := make([]byte, keystore.KeySize)
	s := provisioned(t, 2, zero)

	c0, c1 := at(t, s, 0, 0), at(t, s, 1, 0)
	if bytes.Equal(c0, c1) {
		t.Fatalf("At(0, 0) == At(1, 0)")
	}
	if !bytes.Equal(c0, sha(append(zero, 0, 0))) || !bytes.Equal(c1, sha(append(zero, 1, 0))) {
		t.Fatalf("chain roots are not H(root || index)")
	}
	for j := uint64(0); j < 3; j++ {
		key, step, err := s.Current(0)
		if err != nil {
			t.Fatalf("Current: %v", err)
		}
		if step != j {
			t.Fatalf("step = %d, want %d", step, j)
		}
		if got, want := take(t, key), at(t, s, 0, j); !bytes.Equal(got, want) {
			t.Fatalf("Current #%d != At(0, %d)", j, j)
		}
	}
}

func TestInvalidIndex(t *testing.T) {
	s := provisioned(t, 2, testRoot())
	if _, err := s.At(2, 0); !errors.Is(err, keystore.ErrInvalidIndex) {
		t.Fatalf("At err = %v", err)
	}
	if _, _, err := s.Current(65535); !errors.Is(err, keystore.ErrInvalidIndex) {
		t.Fatalf("Current err = %v", err)
	}
	if _, err := s.Steps(2); !errors.Is(err, keystore.ErrInvalidIndex) {
		t.Fatalf("Steps err = %v", err)
	}
}

func TestInvalidChannelCount(t *testing.T) {
	for _, n := range []int{-1, 0, keystore.MaxChannels + 1} {
		if _, err := keystore.New(n); !errors.Is(err, keystore.ErrInvalidChannelCount) {
			t.Fatalf("New(%d) err = %v", n, err)
		}
	}
}

func TestMaxChannelIndex(t *testing.T) {
	root := testRoot()
	s := provisioned(t, keystore.MaxChannels, root, keystore.WithAllocator(&guardedtest.Allocator{}))
	if got, want := at(t, s, 65535, 0), chainRoot(root, 65535); !bytes.Equal(got, want) {
		t.Fatalf("At(65535, 0) = %x, want %x", got, want)
	}
}

func TestNotProvisioned(t *testing.T) {
	s := newStore(t, 2)
	if s.Provisioned() || s.Epoch() != 0 {
		t.Fatalf("fresh store reports provisioned")
	}
	if _, err := s.At(0, 0); !errors.Is(err, keystore.ErrNotProvisioned) {
		t.Fatalf("At err = %v", err)
	}
	if _, _, err := s.Current(0); !errors.Is(err, keystore.ErrNotProvisioned) {
		t.Fatalf("Current err = %v", err)
	}
}

func TestRootSize(t *testing.T) {
	s := newStore(t, 1)
	for _, n := range []int{16, 31, 33, 64} {
		if err := s.InitRoot(rootKey(t, make([]byte, n))); !errors.Is(err, keystore.ErrRootSize) {
			t.Fatalf("InitRoot(%d bytes) err = %v", n, err)
		}
	}
	if err := s.InitRoot(nil); !errors.Is(err, keystore.ErrRootSize) {
		t.Fatalf("InitRoot(nil) err = %v", err)
	}
	if s.Provisioned() {
		t.Fatalf("store provisioned after rejected roots")
	}
}

func TestInitRootTwiceFails(t *testing.T) {
	s := provisioned(t, 1, testRoot())
	other := bytes.Repeat([]byte{0xaa}, keystore.KeySize)
	if err := s.InitRoot(rootKey(t, other)); !errors.Is(err, keystore.ErrAlreadyProvisioned) {
		t.Fatalf("second InitRoot err = %v", err)
	}
	if got, want := at(t, s, 0, 0), chainRoot(testRoot(), 0); !bytes.Equal(got, want) {
		t.Fatalf("failed InitRoot replaced the root")
	}
	if s.Epoch() != 1 {
		t.Fatalf("Epoch = %d, want 1", s.Epoch())
	}
}

func TestReprovision(t *testing.T) {
	s := provisioned(t, 2, testRoot())
	for i := 0; i < 4; i++ {
		key, _, err := s.Current(1)
		if err != nil {
			t.Fatalf("Current: %v", err)
		}
		_ = key.Destroy()
	}

	other := bytes.Repeat([]byte{0x5c}, keystore.KeySize)
	if err := s.Reprovision(rootKey(t, other)); err != nil {
		t.Fatalf("Reprovision: %v", err)
	}
	if s.Epoch() != 2 {
		t.Fatalf("Epoch = %d, want 2", s.Epoch())
	}
	if n, _ := s.Steps(1); n != 0 {
		t.Fatalf("Steps after Reprovision = %d", n)
	}
	key, step, err := s.Current(1)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if step != 0 || !bytes.Equal(take(t, key), chainRoot(other, 1)) {
		t.Fatalf("Current after Reprovision = step %d from the old root", step)
	}
}

func TestRootIsCopied(t *testing.T) {
	s := newStore(t, 1)
	root := rootKey(t, testRoot())
	if err := s.InitRoot(root); err != nil {
		t.Fatalf("InitRoot: %v", err)
	}
	if err := root.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if got, want := at(t, s, 0, 0), chainRoot(testRoot(), 0); !bytes.Equal(got, want) {
		t.Fatalf("store depends on the caller's root buffer")
	}
}

func TestClose(t *testing.T) {
	alloc := &guardedtest.Allocator{}
	s, err := keystore.New(3, keystore.WithAllocator(alloc))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.InitRoot(rootKey(t, testRoot())); err != nil {
		t.Fatalf("InitRoot: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if alloc.Live() != 0 {
		t.Fatalf("%d regions live after Close", alloc.Live())
	}
	for i, r := range alloc.Regions() {
		if !r.Freed() || !bytes.Equal(r.Peek(), make([]byte, len(r.Peek()))) {
			t.Fatalf("region %d not wiped", i)
		}
	}
	if _, err := s.At(0, 0); !errors.Is(err, keystore.ErrClosed) {
		t.Fatalf("At after Close err = %v", err)
	}
	if _, _, err := s.Current(0); !errors.Is(err, keystore.ErrClosed) {
		t.Fatalf("Current after Close err = %v", err)
	}
	if err := s.Reprovision(rootKey(t, testRoot())); !errors.Is(err, keystore.ErrClosed) {
		t.Fatalf("Reprovision after Close err = %v", err)
	}
}

func TestAllocationFailureReleasesEverything(t *testing.T) {
	// 1 root + 3 buffers per channel.
	const channels = 2
	for limit := 0; limit < 1+3*channels; limit++ {
		alloc := guardedtest.NewAllocator(limit)
		if _, err := keystore.New(channels, keystore.WithAllocator(alloc)); !errors.Is(err, guarded.ErrAllocation) {
			t.Fatalf("limit %d: New err = %v", limit, err)
		}
		if alloc.Live() != 0 {
			t.Fatalf("limit %d: %d regions leaked", limit, alloc.Live())
		}
	}
}

func TestProvisionFailureLeavesStoreEmpty(t *testing.T) {
	const channels = 2
	alloc := guardedtest.NewAllocator(1 + 3*channels)
	s := newStore(t, channels, keystore.WithAllocator(alloc))
	if err := s.InitRoot(rootKey(t, testRoot())); !errors.Is(err, guarded.ErrAllocation) {
		t.Fatalf("InitRoot err = %v", err)
	}
	if s.Provisioned() || s.Epoch() != 0 {
		t.Fatalf("store provisioned after failed InitRoot")
	}
	for i, r := range alloc.Regions() {
		if !bytes.Equal(r.Peek(), make([]byte, keystore.KeySize)) {
			t.Fatalf("region %d holds key material after failed InitRoot", i)
		}
	}
}

func TestCurrentAllocationFailure(t *testing.T) {
	const channels = 1
	// Room for the store and the InitRoot scratch buffer only.
	alloc := guardedtest.NewAllocator(1 + 3*channels + 1)
	s := newStore(t, channels, keystore.WithAllocator(alloc))
	if err := s.InitRoot(rootKey(t, testRoot())); err != nil {
		t.Fatalf("InitRoot: %v", err)
	}
	if _, _, err := s.Current(0); !errors.Is(err, guarded.ErrAllocation) {
		t.Fatalf("Current err = %v", err)
	}
	if n, _ := s.Steps(0); n != 0 {
		t.Fatalf("failed Current advanced the chain to %d", n)
	}
	if _, err := s.At(0, 3); !errors.Is(err, guarded.ErrAllocation) {
		t.Fatalf("At err = %v", err)
	}
}

func TestConcurrentCurrent(t *testing.T) {
	s := provisioned(t, 4, testRoot(), keystore.WithAllocator(&guardedtest.Allocator{}))
	const workers, calls = 8, 25

	var (
		mu    sync.Mutex
		steps = map[uint16][]uint64{}
		wg    sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			idx := uint16(w % 4)
			for i := 0; i < calls; i++ {
				key, step, err := s.Current(idx)
				if err != nil {
					t.Errorf("Current: %v", err)
					return
				}
				_ = key.Destroy()
				mu.Lock()
				steps[idx] = append(steps[idx], step)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	for idx, got := range steps {
		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		for i, step := range got {
			if step != uint64(i) {
				t.Fatalf("channel %d: steps %v are not 0..%d", idx, got, len(got)-1)
			}
		}
	}
}

type recorder struct {
	mu          sync.Mutex
	provisioned []uint64
	derived     []uint64
	advanced    []uint64
}

func (r *recorder) Provisioned(epoch uint64, channels int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provisioned = append(r.provisioned, epoch)
}

func (r *recorder) Derived(_ uint16, steps uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.derived = append(r.derived, steps)
}

func (r *recorder) Advanced(_ uint16, step uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanced = append(r.advanced, step)
}

func TestObserver(t *testing.T) {
	rec := &recorder{}
	s := provisioned(t, 1, testRoot(), keystore.WithObserver(rec))
	at(t, s, 0, 9)
	for i := 0; i < 2; i++ {
		key, _, err := s.Current(0)
		if err != nil {
			t.Fatalf("Current: %v", err)
		}
		_ = key.Destroy()
	}
	if err := s.Reprovision(rootKey(t, testRoot())); err != nil {
		t.Fatalf("Reprovision: %v", err)
	}
	if len(rec.provisioned) != 2 || rec.provisioned[1] != 2 {
		t.Fatalf("provisioned = %v", rec.provisioned)
	}
	if len(rec.derived) != 1 || rec.derived[0] != 9 {
		t.Fatalf("derived = %v", rec.derived)
	}
	if len(rec.advanced) != 2 || rec.advanced[0] != 0 || rec.advanced[1] != 1 {
		t.Fatalf("advanced = %v", rec.advanced)
	}
}

func TestAlternateHash(t *testing.T) {
	root := testRoot()
	s := provisioned(t, 2, root, keystore.WithHash(hash.BLAKE3))
	in := binary.LittleEndian.AppendUint16(append([]byte(nil), root...), 1)
	want, _ := hash.Digest("blake3", in)
	if got := at(t, s, 1, 0); !bytes.Equal(got, want) {
		t.Fatalf("BLAKE3 chain root = %x, want %x", got, want)
	}
	if bytes.Equal(at(t, s, 1, 0), chainRoot(root, 1)) {
		t.Fatalf("WithHash ignored")
	}
}

type wideHash struct{}

func (wideHash) Name() string     { return "sha512" }
func (wideHash) Size() int        { return sha512.Size }
func (wideHash) New() gohash.Hash { return sha512.New() }

func TestHashSizeMustMatchKeySize(t *testing.T) {
	if _, err := keystore.New(1, keystore.WithHash(wideHash{})); err == nil {
		t.Fatalf("New accepted a 64-byte hash")
	}
}
