// Package checkpoint persists the identity of streaming queries per checkpoint
// location: the query id bound to it and the last batch committed there. A
// query restarted against the same location keeps its id and resumes its
// batch numbering.
package checkpoint
