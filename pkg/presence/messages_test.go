package presence

import (
	"testing"
	"time"

	"github.com/baderanaas/GoLobby/pkg/advert"
	"github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeKinds(t *testing.T) {
	ts := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	beacon := &Beacon{Beacon: advert.Beacon{
		WorldID:   "w-1",
		WorldName: "Harbor",
		Users:     []string{"fp1", "fp2"},
		Addrs:     []string{"/ip4/203.0.113.9/udp/4001/quic-v1"},
		Status:    advert.StatusOnline | advert.StatusPublic,
		Timestamp: ts,
		AdCid:     "bafkreiexample",
	}}

	data, err := Encode(beacon, "")
	require.NoError(t, err)
	env, err := Decode(data)
	require.NoError(t, err)
	require.False(t, env.Directed())
	got, ok := env.Message.(*Beacon)
	require.True(t, ok)
	require.Equal(t, "Harbor", got.WorldName)
	require.Equal(t, []string{"fp1", "fp2"}, got.Users)
	require.True(t, got.Timestamp.Equal(ts))
	require.False(t, got.IsGoodbye())

	data, err = Encode(&AdvertisementRef{Cid: "bafkreiexample"}, "")
	require.NoError(t, err)
	env, err = Decode(data)
	require.NoError(t, err)
	require.IsType(t, &AdvertisementRef{}, env.Message)

	to := test.RandPeerIDFatal(t)
	data, err = Encode(&NatAssist{RequestID: "r1", Sealed: "abc"}, to)
	require.NoError(t, err)
	env, err = Decode(data)
	require.NoError(t, err)
	require.True(t, env.Directed())
	require.Equal(t, to, env.To)
	require.Equal(t, &NatAssist{RequestID: "r1", Sealed: "abc"}, env.Message)
}

func TestDecodeEmptyBeaconIsGoodbye(t *testing.T) {
	for _, raw := range []string{`{"kind":"beacon"}`, `{"kind":"beacon","body":null}`, `{"kind":"beacon","body":{}}`} {
		env, err := Decode([]byte(raw))
		require.NoError(t, err, raw)
		b, ok := env.Message.(*Beacon)
		require.True(t, ok, raw)
		require.True(t, b.IsGoodbye(), raw)
	}
}

func TestDecodeUnknownAndMalformed(t *testing.T) {
	env, err := Decode([]byte(`{"kind":"trade-offer","body":{"x":1}}`))
	require.NoError(t, err)
	require.Equal(t, Kind("trade-offer"), env.Message.Kind())
	require.IsType(t, &Unknown{}, env.Message)

	for _, raw := range []string{
		``,
		`not json`,
		`{"body":{}}`,
		`{"kind":"beacon","body":{"status":"online"}}`,
		`{"kind":"nat","to":"not-a-peer","body":{}}`,
	} {
		_, err := Decode([]byte(raw))
		require.ErrorIs(t, err, ErrMalformedMessage, raw)
	}
}
