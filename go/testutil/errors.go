package testutil

import "vexfs/go/errs"

var errRefused = errs.New(errs.Conflict, "test participant refused to prepare")
var errTransientCommit = errs.New(errs.Unavailable, "test participant commit transiently unavailable")
