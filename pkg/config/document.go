package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/core-tools/hsu-keeper/pkg/errors"
)

// DefaultCheckInterval applies when CHECK_INTERVAL is absent
const DefaultCheckInterval = 60 * time.Second

// Document is a validated configuration document.
// It is immutable once parsed; replacing the configuration means parsing a new Document.
type Document struct {
	GuildID        int64
	Token          string
	AuthorizedList []int64
	Projects       []ProjectSpec
	CheckInterval  time.Duration

	// Every top-level key as decoded, including ones the keeper does not interpret
	fields map[string]interface{}
}

// ProjectSpec is one raw project definition
type ProjectSpec struct {
	LocalPath      string
	Args           []interface{}
	Libraries      []string
	GithubPath     string
	GithubFilePath string

	// Every project key as decoded; args tokens may reference any of them
	fields map[string]interface{}
}

// Decode parses JSON bytes into a generic object, keeping numbers as json.Number
func Decode(data []byte) (map[string]interface{}, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var raw map[string]interface{}
	if err := decoder.Decode(&raw); err != nil {
		return nil, errors.NewConfigParseError("failed to parse configuration JSON", err)
	}
	if raw == nil {
		return nil, errors.NewConfigParseError("configuration JSON must be an object", nil)
	}
	if _, err := decoder.Token(); err != io.EOF {
		return nil, errors.NewConfigParseError("unexpected data after configuration object", err)
	}
	return raw, nil
}

// Parse decodes and validates a configuration document
func Parse(data []byte) (*Document, error) {
	raw, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return FromMap(raw)
}

// FromMap validates an already decoded document and builds its typed view
func FromMap(raw map[string]interface{}) (*Document, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}

	guildID, _ := integerValue(raw[KeyGuildID])

	doc := &Document{
		GuildID:       guildID,
		Token:         raw[KeyToken].(string),
		CheckInterval: DefaultCheckInterval,
		fields:        raw,
	}

	for _, id := range raw[KeyAuthorizedList].([]interface{}) {
		value, _ := integerValue(id)
		doc.AuthorizedList = append(doc.AuthorizedList, value)
	}

	for _, project := range raw[KeyProjects].([]interface{}) {
		doc.Projects = append(doc.Projects, newProjectSpec(project.(map[string]interface{})))
	}

	if interval, ok := raw[KeyCheckInterval]; ok {
		seconds, _ := integerValue(interval)
		doc.CheckInterval = time.Duration(seconds) * time.Second
	}

	return doc, nil
}

func newProjectSpec(fields map[string]interface{}) ProjectSpec {
	spec := ProjectSpec{
		LocalPath: fields[ProjectKeyLocalPath].(string),
		fields:    fields,
	}
	if args, ok := fields[ProjectKeyArgs].([]interface{}); ok {
		spec.Args = args
	}
	if libraries, ok := fields[ProjectKeyLibraries].([]interface{}); ok {
		for _, library := range libraries {
			spec.Libraries = append(spec.Libraries, library.(string))
		}
	}
	spec.GithubPath, _ = fields[ProjectKeyGithubPath].(string)
	spec.GithubFilePath, _ = fields[ProjectKeyGithubFilePath].(string)
	return spec
}

// Field returns a top-level value of the document by key
func (d *Document) Field(key string) (interface{}, bool) {
	value, ok := d.fields[key]
	return value, ok
}

// MarshalJSON renders the document with every original key, keys sorted
func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.fields)
}

// Encode renders the document the way it is persisted on disk
func (d *Document) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(d.fields, "", "  ")
	if err != nil {
		return nil, errors.NewInternalError("failed to encode configuration document", err)
	}
	return append(data, '\n'), nil
}

// Field returns a project value by key, passthrough keys included
func (p ProjectSpec) Field(key string) (interface{}, bool) {
	value, ok := p.fields[key]
	return value, ok
}

func (p ProjectSpec) String() string {
	return fmt.Sprintf("project(local_path=%s, args=%v)", p.LocalPath, p.Args)
}
