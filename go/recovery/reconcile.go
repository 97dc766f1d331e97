package recovery

import (
	"encoding/json"

	"github.com/nsf/jsondiff"
)

// ReconcileDigests compares the participant prepare-digests recorded in a
// RecTxPrepare record against the digests a participant reports after
// redo/discard, so a test (or an operator's post-recovery audit) can
// confirm recovery reproduced exactly the state that was prepared.
// Digests are hex-unfriendly raw bytes, so both sides are marshaled to a
// comparable JSON shape (tag -> digest-as-array) before diffing.
func ReconcileDigests(expected, actual map[string][]byte) (jsondiff.Difference, string) {
	var expJSON, _ = json.Marshal(expected)
	var actJSON, _ = json.Marshal(actual)
	var opts = jsondiff.DefaultConsoleOptions()
	return jsondiff.Compare(expJSON, actJSON, &opts)
}
