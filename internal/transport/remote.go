package transport

import "github.com/orbitfi/ledgerbook/internal/book"

// WSRemote satisfies the book package's collaborator contract.
var _ book.Remote = (*WSRemote)(nil)
