// Package importer reconciles spreadsheet rows against stored certificates.
//
// A batch is processed one row at a time, in input order:
//
//  1. headers are mapped onto canonical fields (Canonicalize) and the
//     row is validated (Extract);
//  2. the course is resolved by code, or by name and year, which may
//     create it;
//  3. fields the course owns (year, month, edition, type, origin) are
//     inherited when the row leaves them out;
//  4. a folder is provisioned for the course on a best-effort basis;
//  5. a certificate with the same full name, course name and year is
//     updated in place, keeping its file attachment, creation time and
//     code; otherwise a new code is claimed and a certificate inserted.
//
// Every failure is confined to its row and reported in ImportResult.Errors
// with the row's line number in the source file. The finished summary is
// kept in the import_batches collection and can be read back with Batch.
package importer
