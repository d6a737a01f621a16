// Package merkle builds fixed-depth hash trees over a token range. The
// leaves split the range into equal token sub-ranges; two trees over the
// same range are compared top-down and only differing leaves are reported.
package merkle
