package web

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/certledger/internal/records"
	"github.com/JonMunkholm/certledger/internal/resolver"
	"github.com/JonMunkholm/certledger/internal/sequence"
)

// CourseResponse is a resolved course and how it was matched.
type CourseResponse struct {
	Course records.Course    `json:"course"`
	Match  resolver.Strategy `json:"match"`
}

// NextCodeResponse previews the code the next certificate would receive.
type NextCodeResponse struct {
	CourseID string `json:"courseId"`
	Scope    string `json:"scope"`
	Code     string `json:"code"`
}

// handleResolveCourse resolves ?code= through the explicit-code path.
// It never creates a course.
func (s *Server) handleResolveCourse(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing code parameter")
		return
	}

	res, err := s.deps.Resolver.ResolveCode(r.Context(), code)
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, CourseResponse{Course: res.Course, Match: res.Match})
}

// handleNextCode previews the next certificate code for a course without
// claiming it. ?year= and ?edition= override the course's own scope.
func (s *Server) handleNextCode(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Resolver.ResolveCode(r.Context(), chi.URLParam(r, "courseID"))
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}
	course := res.Course

	year, edition := course.Year, course.Edition
	if n, ok, err := queryInt(r, "year"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	} else if ok {
		year = n
	}
	if n, ok, err := queryInt(r, "edition"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	} else if ok {
		edition = n
	}

	scope, err := sequence.ScopePrefix(course.BasePrefix(), year, edition)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	code, err := s.deps.Allocator.Next(r.Context(), course.BasePrefix(), year, edition)
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, NextCodeResponse{CourseID: course.ID, Scope: scope, Code: code})
}
