package core

import "github.com/google/uuid"

// Identifier is an opaque identity that does not depend on where its owner is
// stored, so it survives any reordering or growth of the owning collection.
type Identifier = uuid.UUID

var NilIdentifier Identifier = uuid.Nil

func IdentifierAquireNewID() Identifier {
	return uuid.New()
}
