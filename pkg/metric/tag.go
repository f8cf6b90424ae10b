package metric

import "strings"

const (
	TagEnv        = "env"
	TagService    = "service"
	TagPath       = "path"
	TagOperation  = "operation"
	TagEvent      = "event"
	TagState      = "state"
	TagStore      = "store"
	TagErrorType  = "error_type"
	TagIsMaster   = "is_master"
	TagDeployable = "deployable_name"
)

type Tag struct {
	Name  string
	Value string
}

func NewTag(name, value string) Tag {
	return Tag{Name: name, Value: value}
}

func TagAsString(name, value string) string {
	return name + ":" + value
}

func BuildTag(tags ...Tag) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		out = append(out, TagAsString(t.Name, t.Value))
	}
	return out
}

// OperationTags are the tags every queued operation reports with.
func OperationTags(path, operation string) []string {
	return BuildTag(
		NewTag(TagPath, path),
		NewTag(TagOperation, strings.ToLower(operation)),
	)
}
