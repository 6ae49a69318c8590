package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dropsock/internal/command"
)

func TestReadRequest(t *testing.T) {
	dir := t.TempDir()
	textFile := filepath.Join(dir, "pairs.txt")
	require.NoError(t, os.WriteFile(textFile, []byte("1.1.1.1:1 2.2.2.2:2\n"), 0644))
	yamlFile := filepath.Join(dir, "pairs.yaml")
	require.NoError(t, os.WriteFile(yamlFile, []byte(`
pairs:
  - source: 203.0.113.7:51234
    destination: 10.0.0.5:443
  - source: "2001:db8::1:40000"
    destination: "2001:db8::2:80"
`), 0644))

	tests := []struct {
		name    string
		args    []string
		file    string
		stdin   string
		want    string
		wantErr string
	}{
		{
			name: "args",
			args: []string{"10.0.0.1:1", "10.0.0.2:2", "10.0.0.3:3", "10.0.0.4:4"},
			want: "10.0.0.1:1 10.0.0.2:2\n10.0.0.3:3 10.0.0.4:4\n",
		},
		{
			name:    "odd args",
			args:    []string{"10.0.0.1:1", "10.0.0.2:2", "10.0.0.3:3"},
			wantErr: "no destination",
		},
		{
			name: "text file",
			file: textFile,
			want: "1.1.1.1:1 2.2.2.2:2\n",
		},
		{
			name: "yaml file",
			file: yamlFile,
			want: "203.0.113.7:51234 10.0.0.5:443\n2001:db8::1:40000 2001:db8::2:80\n",
		},
		{
			name:  "dash reads stdin",
			file:  "-",
			stdin: "3.3.3.3:3 4.4.4.4:4",
			want:  "3.3.3.3:3 4.4.4.4:4",
		},
		{
			name:  "stdin when nothing given",
			stdin: "5.5.5.5:5 6.6.6.6:6",
			want:  "5.5.5.5:5 6.6.6.6:6",
		},
		{
			name:    "missing file",
			file:    filepath.Join(dir, "nope.txt"),
			wantErr: "failed to read",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readRequest(tt.args, tt.file, strings.NewReader(tt.stdin))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestYAMLRequest_MissingField(t *testing.T) {
	_, err := yamlRequest([]byte("pairs:\n  - source: 1.1.1.1:1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pair 0")
}

func TestRunDrop_ViaRPC(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Drop", mock.Anything, command.DropParams{Context: "edge", Pairs: "1.1.1.1:1 2.2.2.2:2\n"}).
		Return(command.DropResult{Session: "s-1", Accepted: 20, Attempts: 1, Halted: "malformed"}, nil)
	useClient(t, mockClient)

	dropViaRPC, dropContext = true, "edge"
	t.Cleanup(func() { dropViaRPC, dropContext = false, "default" })

	var buf bytes.Buffer
	require.NoError(t, runDrop(context.Background(), []byte("1.1.1.1:1 2.2.2.2:2\n"), &buf))
	assert.Contains(t, buf.String(), "session s-1: 20 bytes accepted, 1 pair(s) attempted")
	assert.Contains(t, buf.String(), "stopped early: malformed")
	mockClient.AssertExpectations(t)
}
