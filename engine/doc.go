// Package engine implements the stateful core of the token endpoint: grant
// validation, refresh-token rotation with replay detection, and family-wide
// revocation.
//
// The Engine coordinates three collaborators, all injected: a
// storage.TokenStore holding refresh-token families and access-token
// metadata, a storage.ClientStore holding client registrations, and an
// issuer.Issuer minting token values. All mutation of token state goes
// through the Engine; nothing else writes to the store.
//
// Rotation correctness rests on a single storage primitive: CASTransition,
// which atomically moves a record from Active to Used. Of any number of
// concurrent redemptions of the same token, exactly one wins the CAS; the
// rest observe the token as Used and are handled by the replay path. A
// presentation of a Used token inside the configured grace window is treated
// as a benign duplicate (a network retry); outside the window it is treated
// as theft, and the whole family is revoked.
package engine
