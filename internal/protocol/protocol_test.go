package protocol

import (
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SpamExperts/bitten/internal/recipe"
)

func TestSlaveDocDecode(t *testing.T) {
	src := `<slave name="hal">
		<platform>Power Macintosh</platform>
		<os family="posix" version="8.1.0">Darwin</os>
	</slave>`

	var doc SlaveDoc
	require.NoError(t, Decode(strings.NewReader(src), &doc))
	assert.Equal(t, "hal", doc.Name)

	props := doc.Props("192.168.1.1")
	assert.Equal(t, "192.168.1.1", props["ipnr"])
	assert.Equal(t, "Power Macintosh", props["machine"])
	assert.Equal(t, "Darwin", props["os"])
	assert.Equal(t, "posix", props["family"])
	assert.Equal(t, "8.1.0", props["version"])
}

func TestSlaveDocPackages(t *testing.T) {
	src := `<slave name="hal">
		<package name="java" version="1.4.2" home="/opt/java"/>
		<package name="python" version="2.3"/>
	</slave>`

	var doc SlaveDoc
	require.NoError(t, Decode(strings.NewReader(src), &doc))

	props := doc.Props("")
	assert.Equal(t, "1.4.2", props["java.version"])
	assert.Equal(t, "/opt/java", props["java.home"])
	assert.Equal(t, "2.3", props["python.version"])
	_, ok := props["ipnr"]
	assert.False(t, ok)
}

func TestSlaveDocMarshal(t *testing.T) {
	doc := SlaveDoc{
		Name:     "winnie",
		Platform: &PlatformElem{Machine: "x86_64", Processor: "amd64"},
		OS:       &OSElem{Name: "Linux", Family: "posix", Version: "6.1"},
		Packages: []PackageElem{{
			Name:  "go",
			Attrs: []xml.Attr{{Name: xml.Name{Local: "version"}, Value: "1.24"}},
		}},
	}
	data, err := xml.Marshal(doc)
	require.NoError(t, err)

	var decoded SlaveDoc
	require.NoError(t, Decode(strings.NewReader(string(data)), &decoded))
	assert.Equal(t, "winnie", decoded.Name)
	props := decoded.Props("10.0.0.7")
	assert.Equal(t, "x86_64", props["machine"])
	assert.Equal(t, "amd64", props["processor"])
	assert.Equal(t, "Linux", props["os"])
	assert.Equal(t, "1.24", props["go.version"])
}

func TestNewStepDoc(t *testing.T) {
	step := recipe.Step{ID: "test", Description: "Run the test suite"}
	out := recipe.StepOutput{
		Logs: []recipe.Log{{
			Generator: recipe.NSSh + "#exec",
			Messages: []recipe.Message{
				{Level: recipe.LevelInfo, Text: "ok 1"},
				{Level: recipe.LevelError, Text: "FAIL: TestTwo"},
			},
		}},
		Reports: []recipe.Report{{
			Category:  "test",
			Generator: "urn:junit#report",
			Items: []recipe.ReportItem{
				{"type": "test", "name": "TestTwo", "status": "failure", "stdout": "line one\nline two"},
			},
		}},
		Errors: []recipe.Error{{Generator: recipe.NSSh + "#exec", Message: "executing make failed (exit code 2)"}},
	}
	started := time.Date(2009, 4, 1, 12, 0, 0, 0, time.UTC)

	doc := NewStepDoc(step, out, started, 90*time.Second)
	assert.Equal(t, "test", doc.ID)
	assert.Equal(t, "Run the test suite", doc.Description)
	assert.Equal(t, "2009-04-01T12:00:00", doc.Time)
	assert.Equal(t, float64(90), doc.Duration)
	assert.Equal(t, ResultFailure, doc.Result)

	data, err := xml.Marshal(doc)
	require.NoError(t, err)

	var decoded StepDoc
	require.NoError(t, Decode(strings.NewReader(string(data)), &decoded))
	require.Len(t, decoded.Logs, 1)
	assert.Equal(t, recipe.NSSh+"#exec", decoded.Logs[0].Generator)
	require.Len(t, decoded.Logs[0].Messages, 2)
	assert.Equal(t, "info", decoded.Logs[0].Messages[0].Level)
	assert.Equal(t, "ok 1", decoded.Logs[0].Messages[0].Text)

	require.Len(t, decoded.Reports, 1)
	assert.Equal(t, "test", decoded.Reports[0].Category)
	require.Len(t, decoded.Reports[0].Items, 1)
	fields := decoded.Reports[0].Items[0].Fields()
	assert.Equal(t, "test", fields["type"])
	assert.Equal(t, "TestTwo", fields["name"])
	assert.Equal(t, "failure", fields["status"])
	assert.Equal(t, "line one\nline two", fields["stdout"])

	require.Len(t, decoded.Errors, 1)
	assert.Contains(t, decoded.Errors[0].Message, "exit code 2")
}

func TestNewStepDocSuccess(t *testing.T) {
	doc := NewStepDoc(recipe.Step{ID: "build"}, recipe.StepOutput{}, time.Unix(0, 0), time.Second)
	assert.Equal(t, ResultSuccess, doc.Result)
	assert.Equal(t, "1970-01-01T00:00:00", doc.Time)
}

func TestErrorDoc(t *testing.T) {
	data, err := xml.Marshal(ErrorDoc{
		Code:    CodeNothingToBuild,
		Message: "Nothing for you to build here, please move along",
	})
	require.NoError(t, err)

	var decoded ErrorDoc
	require.NoError(t, Decode(strings.NewReader(string(data)), &decoded))
	assert.Equal(t, 550, decoded.Code)
	assert.Contains(t, decoded.Message, "move along")
}

func TestDecodeLatin1(t *testing.T) {
	src := "<?xml version=\"1.0\" encoding=\"iso-8859-1\"?>" +
		"<step id=\"b\" time=\"2009-04-01T12:00:00\" duration=\"1\" result=\"success\">" +
		"<log><message level=\"info\">caf\xe9</message></log></step>"

	var doc StepDoc
	require.NoError(t, Decode(strings.NewReader(src), &doc))
	require.Len(t, doc.Logs, 1)
	assert.Equal(t, "café", doc.Logs[0].Messages[0].Text)
}

func TestParseTime(t *testing.T) {
	want := time.Date(2009, 4, 1, 12, 30, 15, 0, time.UTC)

	got, err := ParseTime("2009-04-01T12:30:15")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = ParseTime("2009-04-01T12:30:15.123456")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = ParseTime("April 1st")
	require.Error(t, err)
}

func TestFormatTime(t *testing.T) {
	loc := time.FixedZone("CEST", 2*3600)
	in := time.Date(2009, 4, 1, 14, 30, 15, 999, loc)
	assert.Equal(t, "2009-04-01T12:30:15", FormatTime(in))
}
