package registry

import (
	"github.com/couchutil/fieldshift"
	"github.com/couchutil/fieldshift/errors"
)

// StoreOpener opens a document store
type StoreOpener func(params map[string]interface{}) (fieldshift.Store, error)

var registeredOpeners = map[string]StoreOpener{}

// Register registers a StoreOpener by provider name
func Register(name string, opener StoreOpener) {
	registeredOpeners[name] = opener
}

// Open opens a registered document store
func Open(name string, params map[string]interface{}) (fieldshift.Store, error) {
	opener, ok := registeredOpeners[name]
	if !ok {
		return nil, errors.New(errors.NotFound, "%s is not registered", name)
	}
	return opener(params)
}
