// Package status defines the outcome model shared by every OPC DA operation.
//
// Each fallible call reports exactly one verdict, a Result, made of a Code and
// an optional diagnostic message. A Code maps to one of three severities
// (Good, Uncertain, Bad) and to an error Kind used for errors.Is matching:
//
//	err := group.Read(ctx, items)
//	switch res := status.Of(err); {
//	case res.IsGood():
//	    // every item read
//	case res.IsUncertain():
//	    // partial batch, inspect per-item results
//	case errors.Is(err, status.ErrConnection):
//	    // session lost
//	}
//
// Operations return a plain error. A nil error is Good; a non-nil error is
// always a *Error so the Result can be recovered with Of.
//
// # Quality
//
// Item values carry an OPC quality word (Quality) next to the call Result.
// The quality word follows the classic QQSSSSLL bit layout: two quality bits,
// four substatus bits and two limit bits.
package status
