package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONStrict(t *testing.T) {
	var v struct {
		Content string `json:"content"`
	}
	require.NoError(t, JSONStrict.Unmarshal([]byte(`{"content":"a<b"}`), &v))
	require.Equal(t, "a<b", v.Content)

	require.Error(t, JSONStrict.Unmarshal([]byte(`{"content":"x","other":1}`), &v), "unknown field")
	require.Error(t, JSONStrict.Unmarshal([]byte(`{"content":"x"} {}`), &v), "trailing content")
	require.Error(t, JSONStrict.Unmarshal([]byte(`{`), &v))

	b, err := JSONStrict.Marshal(map[string]string{"html": "<b>"})
	require.NoError(t, err)
	require.Equal(t, `{"html":"<b>"}`, string(b))
	require.Equal(t, "application/json", JSONStrict.ContentType())
}
