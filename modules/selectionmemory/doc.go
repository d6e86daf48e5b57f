// Package selectionmemory remembers which tokens a user had targeted while a
// token was selected, and restores that target set the next time the token is
// selected.
//
// Deselecting a token moves the user's current targets into a flag stored on
// the token and clears them. Selecting it again replaces the user's targets
// with the stored list. Stored values that are not a list of token ids are
// logged and removed. The module reacts only for users allowed to modify the
// token, and can be switched on and off at runtime through the
// "TargetService-isEnabled" client setting.
package selectionmemory
