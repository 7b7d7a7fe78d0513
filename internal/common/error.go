package common

import "fmt"

var (
	ErrItemNotFound      = fmt.Errorf("item not found")
	ErrEmptyCatalog      = fmt.Errorf("no downloadable items found in catalog")
	ErrSchedulerUnusable = fmt.Errorf("scheduler internal channel failure")
	ErrRemoveNonEmptyDir = fmt.Errorf("refusing to remove non-empty directory")
)
