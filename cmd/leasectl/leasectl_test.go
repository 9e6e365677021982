package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leaseflow/address"
	"leaseflow/auth"
	"leaseflow/contentstore"
)

const sampleCID = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"

func testEnv(store contentstore.Store, stdin string, vars map[string]string) Env {
	return Env{
		NewStore: func(string, string, string) contentstore.Store { return store },
		Stdin:    strings.NewReader(stdin),
		Getenv:   func(k string) string { return vars[k] },
	}
}

func run(t *testing.T, env Env, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand(env)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestCIDEncode(t *testing.T) {
	env := testEnv(nil, "", nil)

	out, err := run(t, env, "cid", "encode", sampleCID)
	require.NoError(t, err)
	golden(t).Assert(t, "cid_encode", []byte(out))

	out, err = run(t, env, "--format", "json", "cid", "encode", sampleCID)
	require.NoError(t, err)
	golden(t).Assert(t, "cid_encode_json", []byte(out))
}

func TestCIDEncodeRejectsLongIDs(t *testing.T) {
	_, err := run(t, testEnv(nil, "", nil), "cid", "encode", strings.Repeat("a", contentstore.FieldWidth+1))
	require.Error(t, err)
	assert.ErrorIs(t, err, contentstore.ErrFieldTooLong)
}

func TestCIDDecode(t *testing.T) {
	env := testEnv(nil, "", nil)

	out, err := run(t, env, "cid", "decode", "0x516d59")
	require.NoError(t, err)
	golden(t).Assert(t, "cid_decode_padded", []byte(out))

	field, err := contentstore.EncodeToFixedField(sampleCID)
	require.NoError(t, err)
	encoded, err := run(t, env, "cid", "encode", sampleCID)
	require.NoError(t, err)
	out, err = run(t, env, "cid", "decode", strings.TrimSpace(encoded))
	require.NoError(t, err)
	assert.Equal(t, string(contentstore.DecodeFromFixedField(field))+"\n", out)

	_, err = run(t, env, "cid", "decode", "zz")
	assert.Error(t, err)
}

func TestDerive(t *testing.T) {
	program := address.Address(sha256.Sum256([]byte("program")))
	lease := address.Address(sha256.Sum256([]byte("lease")))
	env := testEnv(nil, "", map[string]string{"LEDGER_PROGRAM_ID": program.String()})
	d := address.NewDeriver(program)

	out, err := run(t, env, "--format", "json", "derive", "escrow", "--lease", lease.String())
	require.NoError(t, err)
	var got []derived
	require.NoError(t, json.Unmarshal([]byte(out), &got))

	escrow, err := d.Escrow(lease)
	require.NoError(t, err)
	vault, err := d.EscrowVault(lease)
	require.NoError(t, err)
	assert.Equal(t, []derived{{Name: "escrow", Address: escrow}, {Name: "vault", Address: vault}}, got)

	cfg, err := d.Config()
	require.NoError(t, err)
	out, err = run(t, env, "derive", "config")
	require.NoError(t, err)
	assert.Equal(t, "config   "+cfg.String()+"\n", out)
}

func TestDeriveRequiresFlags(t *testing.T) {
	program := address.Address(sha256.Sum256([]byte("program")))
	env := testEnv(nil, "", nil)

	_, err := run(t, env, "derive", "lease", "--program", program.String(), "--listing", program.String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--tenant is required")

	_, err = run(t, env, "derive", "vault", "--program", program.String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown entity")

	_, err = run(t, env, "derive", "config")
	require.Error(t, err, "a program id is required")
}

func TestHashSecret(t *testing.T) {
	out, err := run(t, testEnv(nil, "callback-secret-0123\n", nil), "hash-secret")
	require.NoError(t, err)
	assert.True(t, auth.VerifySecret(strings.TrimSpace(out), "callback-secret-0123"))

	_, err = run(t, testEnv(nil, "short\n", nil), "hash-secret")
	assert.ErrorIs(t, err, auth.ErrWeakSecret)
}

func TestCleanup(t *testing.T) {
	store := contentstore.NewMemoryStore()
	res, err := store.Put(t.Context(), []byte(`{"title":"flat"}`), "application/json", "owner")
	require.NoError(t, err)

	out, err := run(t, testEnv(store, "", nil), "cleanup", "QmJsonA", "QmJsonA", "--image", "QmImageB")
	require.NoError(t, err)
	golden(t).Assert(t, "cleanup_text", []byte(out))

	_, err = run(t, testEnv(store, "", nil), "cleanup", string(res.ContentID))
	require.NoError(t, err)
	assert.False(t, store.Has(res.ContentID))
}

func TestCleanupReportsPinned(t *testing.T) {
	store := contentstore.NewMemoryStore()
	store.SetUnavailable(true)

	out, err := run(t, testEnv(store, "", nil), "--format", "json", "cleanup", "--retries", "0", "QmJsonA")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still pinned")
	golden(t).Assert(t, "cleanup_pinned_json", []byte(out))
}

func TestCleanupNeedsIDs(t *testing.T) {
	_, err := run(t, testEnv(contentstore.NewMemoryStore(), "", nil), "cleanup")
	assert.Error(t, err)
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, testEnv(nil, "", nil), "--format", "yaml", "cid", "encode", sampleCID)
	assert.Error(t, err)
}
