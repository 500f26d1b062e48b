package ssrf

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	addrs map[string][]net.IPAddr
	err   error
}

func (f *fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.addrs[host], nil
}

func TestValidate_RejectsNonHTTPScheme(t *testing.T) {
	g := New(nil)
	_, err := g.Validate(context.Background(), "ftp://example.com/")
	require.ErrorIs(t, err, ErrSchemeNotAllowed)
}

func TestValidate_RejectsUserinfo(t *testing.T) {
	g := New(nil)
	_, err := g.Validate(context.Background(), "http://user:pw@example.com/")
	require.ErrorIs(t, err, ErrUserinfoForbidden)
}

func TestValidate_RejectsDenylistedHost(t *testing.T) {
	g := New(nil)
	_, err := g.Validate(context.Background(), "http://169.254.169.254/")
	require.ErrorIs(t, err, ErrHostDenied)
}

func TestValidate_RejectsLoopbackLiteral(t *testing.T) {
	g := New(nil)
	_, err := g.Validate(context.Background(), "http://[::1]/")
	require.ErrorIs(t, err, ErrBlockedIP)
}

func TestValidate_RejectsPrivateV4Literal(t *testing.T) {
	g := New(nil)
	_, err := g.Validate(context.Background(), "http://10.0.0.5/")
	require.ErrorIs(t, err, ErrBlockedIP)
}

func TestValidate_RejectsCGNAT(t *testing.T) {
	g := New(nil)
	_, err := g.Validate(context.Background(), "http://100.64.0.1/")
	require.ErrorIs(t, err, ErrBlockedIP)
}

func TestValidate_AllowsPublicResolvedHost(t *testing.T) {
	resolver := &fakeResolver{addrs: map[string][]net.IPAddr{
		"api.example.com": {{IP: net.ParseIP("93.184.216.34")}},
	}}
	g := New(resolver)
	pinned, err := g.Validate(context.Background(), "https://api.example.com/anything")
	require.NoError(t, err)
	require.Len(t, pinned.Addresses, 1)
	require.Equal(t, "93.184.216.34", pinned.Addresses[0].String())
}

func TestValidate_RejectsWhenAnyResolvedAddressIsPrivate(t *testing.T) {
	resolver := &fakeResolver{addrs: map[string][]net.IPAddr{
		"rebinder.example.com": {
			{IP: net.ParseIP("93.184.216.34")},
			{IP: net.ParseIP("192.168.1.1")},
		},
	}}
	g := New(resolver)
	_, err := g.Validate(context.Background(), "https://rebinder.example.com/")
	require.ErrorIs(t, err, ErrBlockedIP)
}

func TestValidate_RejectsZeroAddresses(t *testing.T) {
	resolver := &fakeResolver{addrs: map[string][]net.IPAddr{}}
	g := New(resolver)
	_, err := g.Validate(context.Background(), "https://nowhere.example.com/")
	require.ErrorIs(t, err, ErrNoAddresses)
}
