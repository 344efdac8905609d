/*
Package auth generates and verifies control-API bearer tokens.

Tokens are URL-safe random strings (192 bits of entropy, "tnm_" prefix).
Storage holds only the Argon2id hash in PHC string form; verification
recomputes under each stored hash's own parameters and compares in
constant time, visiting every live hash. Token lifetime is decided by the
caller (the token subcommands); this package only persists and verifies.
*/
package auth
