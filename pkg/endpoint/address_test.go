package endpoint

import (
	"testing"

	"github.com/billm/fanout/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Address
		wantErr bool
	}{
		{name: "unix prefix", input: "unix:/tmp/a.sock", want: Unix("/tmp/a.sock")},
		{name: "tcp prefix", input: "tcp:127.0.0.1:9000", want: TCP("127.0.0.1:9000")},
		{name: "bare path", input: "/var/run/x.sock", want: Unix("/var/run/x.sock")},
		{name: "relative path", input: "./x.sock", want: Unix("./x.sock")},
		{name: "bare host port", input: "localhost:7000", want: TCP("localhost:7000")},
		{name: "empty", input: "", wantErr: true},
		{name: "tcp without port", input: "tcp:localhost", wantErr: true},
		{name: "unix without path", input: "unix:", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAddressIsMapKey(t *testing.T) {
	m := map[Address]int{}
	m[Unix("/tmp/a.sock")] = 1
	m[MustParseAddress("unix:/tmp/a.sock")]++
	m[TCP("127.0.0.1:1")] = 5

	assert.Len(t, m, 2)
	assert.Equal(t, 2, m[Unix("/tmp/a.sock")])
}

func TestAddressStringRoundTrip(t *testing.T) {
	for _, a := range []Address{Unix("/tmp/x.sock"), TCP("10.0.0.1:80")} {
		parsed, err := ParseAddress(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, parsed)
	}
}

func TestAddressYAML(t *testing.T) {
	var doc struct {
		Control Address `yaml:"control"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("control: unix:/tmp/ctl.sock\n"), &doc))
	assert.Equal(t, Unix("/tmp/ctl.sock"), doc.Control)

	out, err := yaml.Marshal(doc)
	require.NoError(t, err)
	assert.Contains(t, string(out), "unix:/tmp/ctl.sock")
}

func TestEncodeDecodeAddress(t *testing.T) {
	data, err := EncodeAddress(TCP("127.0.0.1:5555"))
	require.NoError(t, err)
	assert.Equal(t, byte('{'), data[0])

	got, err := DecodeAddress(data)
	require.NoError(t, err)
	assert.Equal(t, TCP("127.0.0.1:5555"), got)

	_, err = DecodeAddress([]byte("$$$"))
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalid))

	_, err = DecodeAddress([]byte(`{"network":"pipe","address":"x"}`))
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}
