package backend

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/drivebridge/internal/config"
	"github.com/tonimelisma/drivebridge/internal/credential"
	"github.com/tonimelisma/drivebridge/internal/dedup"
	"github.com/tonimelisma/drivebridge/internal/errs"
	"github.com/tonimelisma/drivebridge/internal/sign"
	"github.com/tonimelisma/drivebridge/internal/tokenfile"
	"github.com/tonimelisma/drivebridge/internal/transfer"
)

const mib = 1 << 20

func TestChunkPolicies(t *testing.T) {
	tests := []struct {
		name   string
		policy ChunkPolicy
		total  int64
		want   int64
	}{
		{"fixed", FixedChunks(10 * mib), 25 * mib, 10 * mib},
		{"tiered fits", TieredChunks(5*mib, 10000), 40 * 1024 * mib, 5 * mib},
		{"tiered grows", TieredChunks(5*mib, 10000), 100 * 1024 * mib, 20 * mib},
		{"tiered tiny ceiling", TieredChunks(1, 4), 10, 4},
		{"aligned rounds down", AlignedChunks(10*mib, 320<<10), 0, 32 * (320 << 10)},
		{"aligned exact", AlignedChunks(640<<10, 320<<10), 0, 640 << 10},
		{"aligned below unit", AlignedChunks(100, 320<<10), 0, 320 << 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.policy.ChunkSize(tt.total)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChunkPolicies_Invalid(t *testing.T) {
	for _, p := range []ChunkPolicy{FixedChunks(0), TieredChunks(0, 10), TieredChunks(10, 0), AlignedChunks(10, 0)} {
		_, err := p.ChunkSize(100)
		assert.ErrorIs(t, err, errs.ErrPrecondition)
	}
}

type nopProtocol struct{}

func (nopProtocol) Open(context.Context, *transfer.Session) error { return nil }

func (nopProtocol) SendPart(context.Context, *transfer.Session, *transfer.Part, []byte) error {
	return nil
}

func (nopProtocol) Commit(context.Context, *transfer.Session) error { return nil }

func TestAdapterPlan(t *testing.T) {
	checker := dedup.CheckerFunc(func(context.Context, *dedup.Probe) (dedup.Answer, error) {
		return dedup.Answer{}, nil
	})

	a := &Adapter{Name: "x", Chunking: FixedChunks(4 * mib), Dedup: dedup.Capabilities{Enabled: true, PartialHash: true}}

	p, err := a.Plan(9*mib, nopProtocol{}, checker, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(9*mib), p.Size)
	assert.Equal(t, int64(4*mib), p.ChunkSize)
	assert.NotNil(t, p.Negotiator)

	p, err = a.Plan(1, nopProtocol{}, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, p.Negotiator, "no checker, no dedup")

	a.Dedup.Enabled = false
	p, err = a.Plan(1, nopProtocol{}, checker, nil)
	require.NoError(t, err)
	assert.Nil(t, p.Negotiator, "dedup disabled by config")

	p, err = (&Adapter{}).Plan(1, nopProtocol{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultChunkSize), p.ChunkSize)

	_, err = a.Plan(-1, nopProtocol{}, nil, nil)
	assert.ErrorIs(t, err, errs.ErrPrecondition)
}

func TestNormalizeName(t *testing.T) {
	// "e" + combining acute composes to U+00E9.
	got, err := NormalizeName("cafe\u0301.txt")
	require.NoError(t, err)
	assert.Equal(t, "caf\u00e9.txt", got)

	for _, bad := range []string{"", ".", "..", "a/b", "nul\x00"} {
		_, err := NormalizeName(bad)
		assert.ErrorIs(t, err, errs.ErrPrecondition, bad)
	}
}

func TestSplitPath(t *testing.T) {
	assert.Nil(t, SplitPath("/"))
	assert.Nil(t, SplitPath(""))
	assert.Equal(t, []string{"a", "b"}, SplitPath("/a//b/"))
	assert.Equal(t, []string{"b"}, SplitPath("a/../b"))
}

// memDriver is a tree of directories for Lookup tests.
type memDriver struct {
	children map[string][]*RemoteFile
	lists    int
}

func (m *memDriver) Name() string      { return "mem" }
func (m *memDriver) Kind() string      { return "mem" }
func (m *memDriver) Root() *RemoteFile { return &RemoteFile{ID: "root", IsDir: true} }

func (m *memDriver) List(_ context.Context, dir *RemoteFile) ([]*RemoteFile, error) {
	m.lists++
	return m.children[dir.ID], nil
}

func (m *memDriver) Upload(context.Context, *RemoteFile, string, int64, io.Reader) (*RemoteFile, error) {
	return nil, nil
}

func (m *memDriver) Download(context.Context, *RemoteFile, *Range) (io.ReadCloser, error) {
	return nil, nil
}

func (m *memDriver) Remove(context.Context, *RemoteFile) error { return nil }

func (m *memDriver) Mkdir(context.Context, *RemoteFile, string) (*RemoteFile, error) {
	return nil, nil
}

func (m *memDriver) Link(context.Context, *RemoteFile) (*Link, error) { return nil, nil }

func TestLookup(t *testing.T) {
	d := &memDriver{children: map[string][]*RemoteFile{
		"root": {{ID: "docs", Name: "Docs", IsDir: true}, {ID: "f1", Name: "top.txt"}},
		"docs": {{ID: "f2", Name: "cafe\u0301.txt", Size: 3}},
	}}

	f, err := Lookup(t.Context(), d, "/Docs/caf\u00e9.txt")
	require.NoError(t, err)
	assert.Equal(t, "f2", f.ID)
	assert.Equal(t, 2, d.lists)

	root, err := Lookup(t.Context(), d, "/")
	require.NoError(t, err)
	assert.Equal(t, "root", root.ID)

	_, err = Lookup(t.Context(), d, "/Docs/missing.txt")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = Lookup(t.Context(), d, "/top.txt/child")
	assert.ErrorIs(t, err, errs.ErrPrecondition)
}

func TestRegistry_OpenAndKinds(t *testing.T) {
	var got Params

	Register("test-kind", func(_ context.Context, p Params) (Driver, error) {
		got = p
		return &memDriver{}, nil
	})

	assert.Contains(t, Kinds(), "test-kind")

	d, err := Open(t.Context(), Params{Name: "n", Config: config.Backend{Kind: "test-kind"}})
	require.NoError(t, err)
	assert.Equal(t, "mem", d.Name())
	assert.Equal(t, "n", got.Name)
	assert.NotNil(t, got.Logger)

	_, err = Open(t.Context(), Params{Name: "n", Config: config.Backend{Kind: "nope"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no driver for kind "nope"`)

	assert.Panics(t, func() {
		Register("test-kind", func(context.Context, Params) (Driver, error) { return nil, nil })
	})
}

func TestParamsSession_PrefersTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tok.json")
	require.NoError(t, tokenfile.Save(path, "n", credential.Tokens{AccessToken: "file-at", RefreshToken: "file-rt"}))

	p := Params{Name: "n", Config: config.Backend{AccessToken: "cfg-at", RefreshToken: "cfg-rt", TokenFile: path}}

	refresher := credential.RefresherFunc(func(context.Context, credential.Tokens) (credential.Tokens, error) {
		return credential.Tokens{AccessToken: "new-at", RefreshToken: "new-rt"}, nil
	})

	s, err := p.Session(refresher)
	require.NoError(t, err)
	assert.Equal(t, "file-at", s.Snapshot().AccessToken)

	_, err = s.Refresh(t.Context(), s.Snapshot())
	require.NoError(t, err)

	saved, err := tokenfile.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "new-rt", saved.RefreshToken, "rotated token persisted")
}

func TestParamsSession_ConfigTokens(t *testing.T) {
	p := Params{Name: "n", Config: config.Backend{AccessToken: "cfg-at"}}

	s, err := p.Session(nil)
	require.NoError(t, err)
	assert.Equal(t, "cfg-at", s.Snapshot().AccessToken)

	_, err = s.Refresh(t.Context(), s.Snapshot())
	assert.ErrorIs(t, err, errs.ErrAuthRefreshFailed)
}

func TestParamsSigner(t *testing.T) {
	s, err := Params{}.Signer(sign.NameBearer)
	require.NoError(t, err)
	assert.Equal(t, sign.NameBearer, s.Name())

	s, err = Params{Config: config.Backend{Signing: sign.NameHMACPath, AppSecret: "x"}}.Signer(sign.NameBearer)
	require.NoError(t, err)
	assert.Equal(t, sign.NameHMACPath, s.Name())

	_, err = Params{Name: "p", Config: config.Backend{Signing: sign.NameRSAEnvelope, RSAPublicKey: "/no/such.pem"}}.Signer("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rsa_public_key")

	pemPath := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(pemPath, []byte("not a key"), 0o600))

	_, err = Params{Name: "p", Config: config.Backend{Signing: sign.NameRSAEnvelope, RSAPublicKey: pemPath}}.Signer("")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "backend p:"))
}

func TestParamsChunkSizeOr(t *testing.T) {
	assert.Equal(t, int64(7), Params{}.ChunkSizeOr(7))
	assert.Equal(t, int64(3), Params{ChunkSize: 3}.ChunkSizeOr(7))
}
