// Package scope negotiates the scopes granted to a client.
//
// Negotiate decides the scope set for a new grant from the client's registered
// scopes. Narrow decides the scope set for a refresh from the scopes already
// authorized. Neither function ever grants a partial set: any scope outside the
// permitted set fails the whole request.
package scope
