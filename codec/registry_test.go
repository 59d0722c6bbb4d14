package codec

import (
	"encoding/json"
	"testing"

	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"

	"github.com/estuary/taskmesh/task"
)

// ExtRef mirrors the opaque external reference from scenario S3.
type ExtRef struct {
	Payload uint32 `json:"payload"`
}

func jsonSerialize(objs []any) ([][]byte, error) {
	var out = make([][]byte, len(objs))
	for i, o := range objs {
		b, err := json.Marshal(o)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func jsonDeserializeExtRef(blobs [][]byte) ([]any, error) {
	var out = make([]any, len(blobs))
	for i, b := range blobs {
		var ref ExtRef
		if err := json.Unmarshal(b, &ref); err != nil {
			return nil, err
		}
		out[i] = ref
	}
	return out, nil
}

func requireJSONEqual(t *testing.T, want, got any) {
	t.Helper()
	wb, err := json.Marshal(want)
	require.NoError(t, err)
	gb, err := json.Marshal(got)
	require.NoError(t, err)

	var opts = jsondiff.DefaultConsoleOptions()
	diff, report := jsondiff.Compare(wb, gb, &opts)
	require.Equal(t, jsondiff.FullMatch, diff, report)
}

func TestCodecRoundTripScalar(t *testing.T) {
	var r = NewRegistry()
	r.Register("ExtRef", jsonSerialize, jsonDeserializeExtRef, false)

	var ref = ExtRef{Payload: 0xDEAD}
	ext, placeholders, err := r.Encode([]Occurrence{{ClassTag: "ExtRef", Object: ref}})
	require.NoError(t, err)
	require.Len(t, ext, 1)
	require.Equal(t, []int{0}, placeholders)

	objs, err := r.Decode(ext)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	requireJSONEqual(t, ref, objs[0])
}

func TestCodecRoundTripVectorized(t *testing.T) {
	var r = NewRegistry()
	r.Register("ExtRef", jsonSerialize, jsonDeserializeExtRef, true)

	var refs = []ExtRef{{Payload: 1}, {Payload: 2}, {Payload: 3}}
	var occ = make([]Occurrence, len(refs))
	for i, v := range refs {
		occ[i] = Occurrence{ClassTag: "ExtRef", Object: v}
	}

	ext, placeholders, err := r.Encode(occ)
	require.NoError(t, err)
	require.Len(t, ext, 3)
	require.Equal(t, []int{0, 1, 2}, placeholders)

	objs, err := r.Decode(ext)
	require.NoError(t, err)
	for i, v := range refs {
		requireJSONEqual(t, v, objs[i])
	}
}

func TestCodecMissingRegistration(t *testing.T) {
	var r = NewRegistry()
	_, _, err := r.Encode([]Occurrence{{ClassTag: "Unregistered", Object: 1}})
	require.Error(t, err)

	_, err = r.Decode([]task.ExtEntry{{ClassTag: "Unregistered", Blob: []byte("x")}})
	require.Error(t, err)
}

func TestRegistryDirtyFlag(t *testing.T) {
	var r = NewRegistry()
	require.False(t, r.PullDirty())

	r.Register("A", jsonSerialize, jsonDeserializeExtRef, false)
	require.True(t, r.PullDirty())
	require.False(t, r.PullDirty()) // Cleared by the previous call.
}
