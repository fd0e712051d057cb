package auth

import "strings"

// Scope names a resource and the actions requested on it. String returns
// the wire form sent to the token endpoint.
type Scope interface {
	String() string
}

// RegistryScope requests registry-level access, e.g. "registry:catalog:*".
type RegistryScope struct {
	Resource string
	Actions  []string
}

func (s RegistryScope) String() string {
	return "registry:" + s.Resource + ":" + strings.Join(s.Actions, ",")
}

// RepositoryScope requests access to one repository, e.g.
// "repository:library/alpine:pull". Class is rendered as
// "repository(class)" unless empty or "image".
type RepositoryScope struct {
	Repository string
	Actions    []string
	Class      string
}

func (s RepositoryScope) String() string {
	resourceType := "repository"
	if s.Class != "" && s.Class != "image" {
		resourceType += "(" + s.Class + ")"
	}
	return resourceType + ":" + s.Repository + ":" + strings.Join(s.Actions, ",")
}

// CatalogScope is the scope for listing repositories.
func CatalogScope() RegistryScope {
	return RegistryScope{Resource: "catalog", Actions: []string{"*"}}
}

// PullScope is the scope for reading a repository.
func PullScope(repository string) RepositoryScope {
	return RepositoryScope{Repository: repository, Actions: []string{"pull"}}
}
