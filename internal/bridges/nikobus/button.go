package nikobus

import "strings"

// buttonPrefix starts a button press line from the PC-link.
const buttonPrefix = "#N"

// buttonDigits is the width of a button address in hex characters.
const buttonDigits = 6

// ParseButtonPress extracts the button address from a press line such as
// "#N0D1C80".
//
// Returns:
//   - string: Upper-case 6-digit button address
//   - bool: false if text is not a button press
func ParseButtonPress(text string) (string, bool) {
	if len(text) != len(buttonPrefix)+buttonDigits || !strings.HasPrefix(text, buttonPrefix) {
		return "", false
	}
	button := text[len(buttonPrefix):]
	if !isHex(button) {
		return "", false
	}
	return strings.ToUpper(button), true
}
