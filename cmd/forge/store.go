package main

import "github.com/forgebuild/forge/internal/actioncache"

func newFileMetadataStore(root string) (actioncache.MetadataStore, error) {
	return actioncache.NewFileStore(root)
}
