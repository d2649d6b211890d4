package recipe

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRecipe = `<?xml version="1.0"?>
<build xmlns:sh="http://bitten.edgewall.org/tools/sh"
       xmlns:git="http://bitten.edgewall.org/tools/git"
       description="nightly build">
  <step id="checkout" description="Fetch the sources">
    <git:checkout url="${repo.url}" revision="${revision}"/>
  </step>
  <step id="test" description="Run the test suite" onerror="continue">
    <sh:exec executable="make" args="test"/>
  </step>
</build>
`

func TestParseRecipe(t *testing.T) {
	doc, err := Parse([]byte(sampleRecipe))
	require.NoError(t, err)

	assert.Equal(t, "build", doc.Root)
	assert.Equal(t, "nightly build", doc.Attrs["description"])
	require.Len(t, doc.Steps, 2)

	checkout := doc.Steps[0]
	assert.Equal(t, "checkout", checkout.ID)
	assert.Equal(t, "Fetch the sources", checkout.Description)
	assert.Equal(t, OnErrorFail, checkout.OnError)
	require.Len(t, checkout.Commands, 1)
	assert.Equal(t, NSGit, checkout.Commands[0].NS)
	assert.Equal(t, "checkout", checkout.Commands[0].Name)
	assert.Equal(t, "${repo.url}", checkout.Commands[0].Attrs["url"])
	assert.Equal(t, NSGit+"#checkout", checkout.Commands[0].QName())

	test := doc.Steps[1]
	assert.Equal(t, OnErrorContinue, test.OnError)
	require.Len(t, test.Commands, 1)
	assert.Equal(t, NSSh, test.Commands[0].NS)
	assert.Equal(t, "exec", test.Commands[0].Name)
	assert.Equal(t, "make", test.Commands[0].Attrs["executable"])

	require.NoError(t, doc.Validate())
}

func TestParseRecipeLatin1(t *testing.T) {
	src := []byte("<?xml version=\"1.0\" encoding=\"iso-8859-1\"?>\n" +
		"<build description=\"caf\xe9\">" +
		"<step id=\"one\"><sh:exec xmlns:sh=\"urn:sh\" executable=\"true\"/></step>" +
		"</build>")
	doc, err := Parse(src)
	require.NoError(t, err)
	assert.Equal(t, "café", doc.Attrs["description"])
}

func TestParseRecipeMalformed(t *testing.T) {
	_, err := Parse([]byte("<build><step id='a'>"))
	require.Error(t, err)

	_, err = Parse([]byte("   "))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "wrong root",
			src:  `<recipe><step id="a"><sh:exec xmlns:sh="urn:sh"/></step></recipe>`,
			want: "root element must be <build>",
		},
		{
			name: "no steps",
			src:  `<build></build>`,
			want: "no build steps",
		},
		{
			name: "non-step child",
			src:  `<build><snapshot/></build>`,
			want: "only <step> elements",
		},
		{
			name: "missing id",
			src:  `<build><step><sh:exec xmlns:sh="urn:sh"/></step></build>`,
			want: `"id" attribute`,
		},
		{
			name: "duplicate id",
			src: `<build>
				<step id="a"><sh:exec xmlns:sh="urn:sh"/></step>
				<step id="a"><sh:exec xmlns:sh="urn:sh"/></step>
			</build>`,
			want: `duplicate step id "a"`,
		},
		{
			name: "step without commands",
			src:  `<build><step id="a"></step></build>`,
			want: "no recipe commands",
		},
		{
			name: "nested command content",
			src:  `<build><step id="a"><sh:exec xmlns:sh="urn:sh"><inner/></sh:exec></step></build>`,
			want: "nested content",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse([]byte(tt.src))
			require.NoError(t, err)
			err = doc.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRecipe))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAnnotated(t *testing.T) {
	doc, err := Parse([]byte(sampleRecipe))
	require.NoError(t, err)

	out, err := doc.Annotated("skunkworks", "trunk", "1254")
	require.NoError(t, err)

	annotated, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, "skunkworks", annotated.Attrs["project"])
	assert.Equal(t, "trunk", annotated.Attrs["path"])
	assert.Equal(t, "1254", annotated.Attrs["revision"])
	assert.Equal(t, "nightly build", annotated.Attrs["description"])
	require.NoError(t, annotated.Validate())

	// The body of the document is carried over untouched.
	body := sampleRecipe[strings.Index(sampleRecipe, `">`)+2:]
	assert.True(t, strings.HasSuffix(string(out), body))
	assert.True(t, strings.HasPrefix(string(out), "<?xml version=\"1.0\"?>\n"))
}

func TestAnnotatedReplacesStaleAttrs(t *testing.T) {
	doc, err := Parse([]byte(`<build project="old" revision="1"><step id="a"><c:d xmlns:c="urn:c"/></step></build>`))
	require.NoError(t, err)

	out, err := doc.Annotated("new", "trunk", "2")
	require.NoError(t, err)

	annotated, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, "new", annotated.Attrs["project"])
	assert.Equal(t, "trunk", annotated.Attrs["path"])
	assert.Equal(t, "2", annotated.Attrs["revision"])
	assert.Equal(t, 1, strings.Count(string(out), "project="))
}

func TestAnnotatedEscapesValues(t *testing.T) {
	doc, err := Parse([]byte(`<build><step id="a"><c:d xmlns:c="urn:c"/></step></build>`))
	require.NoError(t, err)

	out, err := doc.Annotated(`pro"ject`, "a<b", "r&d")
	require.NoError(t, err)

	annotated, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, `pro"ject`, annotated.Attrs["project"])
	assert.Equal(t, "a<b", annotated.Attrs["path"])
	assert.Equal(t, "r&d", annotated.Attrs["revision"])
}

func TestAnnotatedSelfClosingRoot(t *testing.T) {
	doc, err := Parse([]byte(`<build/>`))
	require.NoError(t, err)

	out, err := doc.Annotated("p", "trunk", "3")
	require.NoError(t, err)
	assert.Equal(t, `<build project="p" path="trunk" revision="3"/>`, string(out))
}

func TestStepByID(t *testing.T) {
	doc, err := Parse([]byte(sampleRecipe))
	require.NoError(t, err)

	step, ok := doc.StepByID("test")
	require.True(t, ok)
	assert.Equal(t, "Run the test suite", step.Description)

	_, ok = doc.StepByID("deploy")
	assert.False(t, ok)
}
