package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type leafA struct {
	Name string `yaml:"name" rv:"required"`
	Size int    `yaml:"size,omitempty"`
}

func (*leafA) Tag() string { return "a" }

type leafB struct {
	Weights []float64 `yaml:"weights,omitempty"`
	Label   *int      `yaml:"label,omitempty"`
	URI     string    `yaml:"uri,omitempty" rv:"derived"`
}

func (*leafB) Tag() string { return "b" }

type treeBase struct {
	RootURI string `yaml:"root_uri" rv:"required"`
}

type tree struct {
	treeBase `yaml:",inline"`
	Root     Node   `yaml:"root,omitempty"`
	Items    []Node `yaml:"items,omitempty"`
	Only     *leafA `yaml:"only,omitempty"`
}

func (*tree) Tag() string { return "tree" }

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register("a", func() Node { return &leafA{Size: 1} }))
	require.NoError(t, reg.Register("b", func() Node { return &leafB{} }))
	require.NoError(t, reg.Register("tree", func() Node { return &tree{} }))
	return reg
}

func intPtr(i int) *int { return &i }

func TestRegistry_RegisterResolve(t *testing.T) {
	reg := testRegistry(t)
	f, err := reg.Resolve("a")
	require.NoError(t, err)
	assert.Equal(t, &leafA{Size: 1}, f())
	assert.Equal(t, []string{"a", "b", "tree"}, reg.Tags())

	_, err = reg.Resolve("missing")
	assert.ErrorIs(t, err, ErrUnknownTag)
	assert.True(t, IsUnknownTag(err))
}

func TestRegistry_DuplicateTag(t *testing.T) {
	reg := testRegistry(t)
	err := reg.Register("a", func() Node { return &leafA{} })
	require.ErrorIs(t, err, ErrDuplicateTag)
	assert.True(t, IsDuplicateTag(err))
	assert.False(t, IsNotImplemented(err))

	assert.Panics(t, func() { reg.MustRegister("b", func() Node { return &leafB{} }) })
}

func TestRegistry_FactoryTagMismatch(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register("c", func() Node { return &leafA{} })
	require.ErrorIs(t, err, ErrSchemaMismatch)
	_, err = reg.Resolve("c")
	assert.ErrorIs(t, err, ErrUnknownTag)
}

const mixedDoc = `
type: tree
root_uri: /data/run
root:
  type: b
  weights: [0.5, 1.5]
  label: 2
items:
  - type: a
    name: first
    size: 3
  - type: b
    uri: s3://bucket/b
only:
  type: a
  name: solo
`

func TestUnmarshal_MixedTree(t *testing.T) {
	reg := testRegistry(t)
	n, err := reg.Unmarshal([]byte(mixedDoc))
	require.NoError(t, err)

	want := &tree{
		treeBase: treeBase{RootURI: "/data/run"},
		Root:     &leafB{Weights: []float64{0.5, 1.5}, Label: intPtr(2)},
		Items: []Node{
			&leafA{Name: "first", Size: 3},
			&leafB{URI: "s3://bucket/b"},
		},
		Only: &leafA{Name: "solo", Size: 1},
	}
	assert.Equal(t, want, n)
}

func TestRoundTrip_MixedTree(t *testing.T) {
	reg := testRegistry(t)
	orig := &tree{
		treeBase: treeBase{RootURI: "s3://bucket/run1"},
		Root:     &leafA{Name: "root", Size: 7},
		Items: []Node{
			&leafB{Weights: []float64{1}, Label: intPtr(0)},
			&leafA{Name: "x", Size: 2},
			&tree{treeBase: treeBase{RootURI: "nested"}, Items: []Node{}},
		},
	}
	data, err := reg.Marshal(orig)
	require.NoError(t, err)

	back, err := reg.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, orig, back)

	again, err := reg.Marshal(back)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestMarshal_TypeKeyFirst(t *testing.T) {
	reg := testRegistry(t)
	doc, err := reg.Encode(&leafA{Name: "n", Size: 2})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(doc.Content), 2)
	assert.Equal(t, TypeKey, doc.Content[0].Value)
	assert.Equal(t, "a", doc.Content[1].Value)
}

func TestMarshal_UnregisteredNode(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Marshal(&leafA{Name: "n"})
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestUnmarshal_Errors(t *testing.T) {
	reg := testRegistry(t)
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"missing type", "name: x\n", ErrSchemaMismatch},
		{"unknown root tag", "type: zzz\n", ErrUnknownTag},
		{"unknown nested tag", "type: tree\nroot_uri: r\nroot:\n  type: zzz\n", ErrUnknownTag},
		{"missing required", "type: a\nsize: 2\n", ErrSchemaMismatch},
		{"missing inline required", "type: tree\n", ErrSchemaMismatch},
		{"null required", "type: a\nname: null\n", ErrSchemaMismatch},
		{"unknown field", "type: a\nname: x\ncolour: red\n", ErrSchemaMismatch},
		{"wrong node type", "type: tree\nroot_uri: r\nonly:\n  type: b\n", ErrSchemaMismatch},
		{"list expected", "type: tree\nroot_uri: r\nitems:\n  type: a\n  name: x\n", ErrSchemaMismatch},
		{"wrong scalar shape", "type: b\nweights: heavy\n", ErrSchemaMismatch},
		{"not a mapping", "- a\n- b\n", ErrSchemaMismatch},
		{"empty document", "", ErrSchemaMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Unmarshal([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestUnmarshal_ErrorNamesFieldPath(t *testing.T) {
	reg := testRegistry(t)
	_, err := reg.Unmarshal([]byte("type: tree\nroot_uri: r\nitems:\n  - type: a\n    name: ok\n  - type: a\n"))
	require.ErrorIs(t, err, ErrSchemaMismatch)
	assert.Contains(t, err.Error(), "items[1].name")
}

func TestUnmarshal_IntegralFloatNormalized(t *testing.T) {
	reg := testRegistry(t)
	n, err := reg.Unmarshal([]byte("type: a\nname: x\nsize: 8.0\n"))
	require.NoError(t, err)
	assert.Equal(t, 8, n.(*leafA).Size)

	n, err = reg.Unmarshal([]byte("type: b\nlabel: 3.0\n"))
	require.NoError(t, err)
	assert.Equal(t, intPtr(3), n.(*leafB).Label)

	_, err = reg.Unmarshal([]byte("type: a\nname: x\nsize: 8.5\n"))
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	_, err = reg.Unmarshal([]byte("type: a\nname: x\nsize: \"8\"\n"))
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestUnmarshal_DefaultsKeptForAbsentFields(t *testing.T) {
	reg := testRegistry(t)
	n, err := reg.Unmarshal([]byte("type: a\nname: x\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, n.(*leafA).Size)
}

func TestRoundTrip_ZeroOverridesDefault(t *testing.T) {
	reg := testRegistry(t)
	data, err := reg.Marshal(&leafA{Name: "x", Size: 0})
	require.NoError(t, err)
	assert.Contains(t, string(data), "size: 0")

	n, err := reg.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, &leafA{Name: "x"}, n)

	// Zero fields whose default is zero are still omitted.
	data, err = reg.Marshal(&leafB{})
	require.NoError(t, err)
	assert.Equal(t, "type: b\n", string(data))
}

func TestDecodeAs(t *testing.T) {
	reg := testRegistry(t)
	tr, err := DecodeAs[*tree](reg, []byte(mixedDoc))
	require.NoError(t, err)
	assert.Equal(t, "/data/run", tr.RootURI)

	_, err = DecodeAs[*leafA](reg, []byte(mixedDoc))
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestLoad(t *testing.T) {
	reg := testRegistry(t)
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(mixedDoc), 0o644))
	n, err := reg.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tree", n.Tag())

	_, err = reg.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWalk_Order(t *testing.T) {
	reg := testRegistry(t)
	n, err := reg.Unmarshal([]byte(mixedDoc))
	require.NoError(t, err)

	var paths []string
	require.NoError(t, Walk(n, func(path string, n Node) error {
		paths = append(paths, path+"="+n.Tag())
		return nil
	}))
	assert.Equal(t, []string{"=tree", "root=b", "items[0]=a", "items[1]=b", "only=a"}, paths)
}

func TestWalk_StopsOnError(t *testing.T) {
	reg := testRegistry(t)
	n, err := reg.Unmarshal([]byte(mixedDoc))
	require.NoError(t, err)
	stop := errors.New("stop")
	count := 0
	err = Walk(n, func(string, Node) error {
		count++
		if count == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, count)
}

func TestRequireDerived(t *testing.T) {
	err := RequireDerived(&leafB{})
	require.ErrorIs(t, err, ErrResolution)
	assert.True(t, IsResolution(err))
	assert.Contains(t, err.Error(), "b.uri")

	assert.NoError(t, RequireDerived(&leafB{URI: "/x"}))
	assert.NoError(t, RequireDerived(&leafA{}))
}

func TestClone_IsDeep(t *testing.T) {
	reg := testRegistry(t)
	orig := &tree{treeBase: treeBase{RootURI: "r"}, Only: &leafA{Name: "x"}}
	c, err := reg.Clone(orig)
	require.NoError(t, err)
	cp := c.(*tree)
	cp.Only.Name = "changed"
	assert.Equal(t, "x", orig.Only.Name)
}
