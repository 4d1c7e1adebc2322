package config

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/core-tools/hsu-keeper/pkg/errors"
)

// Required top-level keys of a configuration document
const (
	KeyGuildID        = "GUILD_ID"
	KeyToken          = "TOKEN"
	KeyAuthorizedList = "AUTHORIZED_LIST"
	KeyProjects       = "PROJECTS"
	KeyCheckInterval  = "CHECK_INTERVAL"
)

// Project keys understood by the keeper; everything else is passthrough
const (
	ProjectKeyLocalPath      = "local_path"
	ProjectKeyArgs           = "args"
	ProjectKeyLibraries      = "libraries"
	ProjectKeyGithubPath     = "github_path"
	ProjectKeyGithubFilePath = "github_file_path"
)

// MinTokenLength is the shortest TOKEN accepted, in characters
const MinTokenLength = 50

// MaxCheckIntervalSeconds is the longest CHECK_INTERVAL a time.Duration can hold
const MaxCheckIntervalSeconds = math.MaxInt64 / int64(time.Second)

// Validate checks a decoded document and reports the first missing or mistyped field.
// Check order: GUILD_ID, TOKEN, AUTHORIZED_LIST, PROJECTS, then every project in index order.
// Numbers are expected as json.Number (see Decode).
func Validate(raw map[string]interface{}) error {
	if raw == nil {
		return errors.NewConfigValidationError("", "configuration document cannot be empty")
	}

	guildID, ok := raw[KeyGuildID]
	if !ok {
		return missingKey(KeyGuildID)
	}
	if !isInteger(guildID) {
		return errors.NewConfigValidationError(KeyGuildID, KeyGuildID+" must be an integer")
	}

	token, ok := raw[KeyToken]
	if !ok {
		return missingKey(KeyToken)
	}
	tokenStr, isString := token.(string)
	if !isString {
		return errors.NewConfigValidationError(KeyToken, KeyToken+" must be a string")
	}
	if utf8.RuneCountInString(tokenStr) < MinTokenLength {
		return errors.NewConfigValidationError(KeyToken,
			fmt.Sprintf("%s is invalid: must be at least %d characters", KeyToken, MinTokenLength))
	}

	authorized, ok := raw[KeyAuthorizedList]
	if !ok {
		return missingKey(KeyAuthorizedList)
	}
	authorizedList, isList := authorized.([]interface{})
	if !isList {
		return errors.NewConfigValidationError(KeyAuthorizedList, KeyAuthorizedList+" must be a list")
	}
	for i, id := range authorizedList {
		if !isInteger(id) {
			return errors.NewConfigValidationError(KeyAuthorizedList,
				fmt.Sprintf("%s[%d] must be an integer", KeyAuthorizedList, i))
		}
	}

	projects, ok := raw[KeyProjects]
	if !ok {
		return missingKey(KeyProjects)
	}
	projectList, isList := projects.([]interface{})
	if !isList {
		return errors.NewConfigValidationError(KeyProjects, KeyProjects+" must be a list")
	}
	for i, project := range projectList {
		if err := validateProject(i, project); err != nil {
			return err
		}
	}

	if interval, ok := raw[KeyCheckInterval]; ok {
		seconds, isInt := integerValue(interval)
		if !isInt || seconds <= 0 {
			return errors.NewConfigValidationError(KeyCheckInterval, KeyCheckInterval+" must be a positive integer")
		}
		if seconds > MaxCheckIntervalSeconds {
			return errors.NewConfigValidationError(KeyCheckInterval,
				fmt.Sprintf("%s cannot exceed %d seconds", KeyCheckInterval, MaxCheckIntervalSeconds))
		}
	}

	return nil
}

func validateProject(index int, project interface{}) error {
	field := fmt.Sprintf("%s[%d]", KeyProjects, index)

	fields, ok := project.(map[string]interface{})
	if !ok {
		return errors.NewConfigValidationError(field, field+" must be an object")
	}

	localPath, ok := fields[ProjectKeyLocalPath]
	if !ok {
		return errors.NewConfigValidationError(field+"."+ProjectKeyLocalPath,
			fmt.Sprintf("%s is missing '%s'", field, ProjectKeyLocalPath))
	}
	if pathStr, isString := localPath.(string); !isString || strings.TrimSpace(pathStr) == "" {
		return errors.NewConfigValidationError(field+"."+ProjectKeyLocalPath,
			fmt.Sprintf("%s.%s must be a non-empty string", field, ProjectKeyLocalPath))
	}

	if args, ok := fields[ProjectKeyArgs]; ok && args != nil {
		if _, isList := args.([]interface{}); !isList {
			return errors.NewConfigValidationError(field+"."+ProjectKeyArgs,
				fmt.Sprintf("%s.%s must be a list", field, ProjectKeyArgs))
		}
	}

	if libraries, ok := fields[ProjectKeyLibraries]; ok && libraries != nil {
		list, isList := libraries.([]interface{})
		if !isList {
			return errors.NewConfigValidationError(field+"."+ProjectKeyLibraries,
				fmt.Sprintf("%s.%s must be a list", field, ProjectKeyLibraries))
		}
		for _, library := range list {
			if _, isString := library.(string); !isString {
				return errors.NewConfigValidationError(field+"."+ProjectKeyLibraries,
					fmt.Sprintf("%s.%s must contain only strings", field, ProjectKeyLibraries))
			}
		}
	}

	return nil
}

func missingKey(key string) error {
	return errors.NewConfigValidationError(key, fmt.Sprintf("required key '%s' is missing", key))
}

func isInteger(value interface{}) bool {
	_, ok := integerValue(value)
	return ok
}

// integerValue accepts json.Number literals without fraction or exponent, and Go integer types
func integerValue(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case json.Number:
		if strings.ContainsAny(v.String(), ".eE") {
			return 0, false
		}
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	case int:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}
