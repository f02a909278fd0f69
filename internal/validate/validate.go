// Package validate provides the syntactic checks on instance and
// recipient identifiers shared by the broker's actions.
package validate

import "regexp"

// instanceIDPattern matches the wire contract's instance-identifier
// grammar: 1-32 characters of letters, digits, hyphen, or underscore.
var instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// ReservedSystemName is the synthesized sender used for rename
// notifications. No instance may register it.
const ReservedSystemName = "system"

// InstanceID reports whether id is a syntactically valid instance
// identifier and is not a reserved name.
func InstanceID(id string) bool {
	if !instanceIDPattern.MatchString(id) {
		return false
	}
	return id != ReservedSystemName
}

// RecipientID reports whether id is a syntactically valid recipient.
// Recipients may be any valid identifier; the reserved-name check only
// applies to registration, since a client may legitimately address a
// message to "system" style names created before the denylist existed.
// It applies the same identifier pattern as InstanceID, without the
// reserved-name check.
func RecipientID(id string) bool {
	return instanceIDPattern.MatchString(id)
}
