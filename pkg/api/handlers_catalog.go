package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
	"github.com/yanquisalexander/modpackstore/pkg/catalog"
	"github.com/yanquisalexander/modpackstore/pkg/perm"
)

// ---- publishers & members ----

func (s *Server) handleCreatePublisher(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name       string `json:"name"`
		TosURL     string `json:"tosUrl"`
		PrivacyURL string `json:"privacyUrl"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.catalog.CreatePublisher(r.Context(), principal(r).UserID, catalog.Publisher{
		Name:       in.Name,
		TosURL:     in.TosURL,
		PrivacyURL: in.PrivacyURL,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPublisher(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "pid")
	p, err := s.store.GetPublisher(r.Context(), pid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// Banned publishers are invisible to everyone but their own members.
	if p.Banned {
		if _, err := s.store.MemberOf(r.Context(), pid, principal(r).UserID); err != nil {
			writeError(w, r, apperr.NotFound("publisher %s", pid))
			return
		}
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.catalog.ListMembers(r.Context(), principal(r).UserID, chi.URLParam(r, "pid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID string    `json:"userId"`
		Role   perm.Role `json:"role"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := s.catalog.AddMember(r.Context(), principal(r).UserID, chi.URLParam(r, "pid"), in.UserID, in.Role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleChangeMemberRole(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Role perm.Role `json:"role"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.catalog.ChangeMemberRole(r.Context(), principal(r).UserID, chi.URLParam(r, "memID"), in.Role); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.RemoveMember(r.Context(), principal(r).UserID, chi.URLParam(r, "memID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	var in struct {
		NewOwnerMemberID string `json:"newOwnerMemberId"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.catalog.TransferOwnership(r.Context(), principal(r).UserID, chi.URLParam(r, "pid"), in.NewOwnerMemberID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- scopes ----

type scopePayload struct {
	TargetPublisherID *string  `json:"targetPublisherId,omitempty"`
	TargetModpackID   *string  `json:"targetModpackId,omitempty"`
	Permissions       []string `json:"permissions"`
}

type scopeResponse struct {
	catalog.MemberScope
	Permissions []string `json:"permissions"`
}

func scopeOut(sc *catalog.MemberScope) scopeResponse {
	return scopeResponse{MemberScope: *sc, Permissions: sc.Permissions.Names()}
}

func (s *Server) handleGrantScope(w http.ResponseWriter, r *http.Request) {
	var in scopePayload
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	sc, err := s.catalog.GrantScope(r.Context(), principal(r).UserID, catalog.MemberScope{
		MemberID:          chi.URLParam(r, "memID"),
		TargetPublisherID: in.TargetPublisherID,
		TargetModpackID:   in.TargetModpackID,
		Permissions:       perm.SetFromNames(in.Permissions),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, scopeOut(sc))
}

func (s *Server) handleUpdateScope(w http.ResponseWriter, r *http.Request) {
	var in scopePayload
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	err := s.catalog.UpdateScope(r.Context(), principal(r).UserID, chi.URLParam(r, "sid"), catalog.MemberScope{
		TargetPublisherID: in.TargetPublisherID,
		TargetModpackID:   in.TargetModpackID,
		Permissions:       perm.SetFromNames(in.Permissions),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteScope(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.DeleteScope(r.Context(), principal(r).UserID, chi.URLParam(r, "sid")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- modpacks ----

func (s *Server) handleListModpacks(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "pid")
	packs, err := s.store.ListModpacks(r.Context(), pid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// Members see the full list; everyone else sees published packs only.
	if _, err := s.store.MemberOf(r.Context(), pid, principal(r).UserID); err != nil {
		visible := packs[:0]
		for _, m := range packs {
			if m.Status == catalog.StatusPublished {
				visible = append(visible, m)
			}
		}
		packs = visible
	}
	writeJSON(w, http.StatusOK, map[string]any{"modpacks": packs})
}

type modpackPayload struct {
	Name             string           `json:"name"`
	Slug             string           `json:"slug"`
	ShortDescription string           `json:"shortDescription"`
	Description      string           `json:"description"`
	IconURL          string           `json:"iconUrl"`
	BannerURL        string           `json:"bannerUrl"`
	Visibility       catalog.Visibility `json:"visibility"`
	Pricing          *catalog.Pricing `json:"pricing"`
}

func (s *Server) handleCreateModpack(w http.ResponseWriter, r *http.Request) {
	var in modpackPayload
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	m := catalog.Modpack{
		PublisherID:      chi.URLParam(r, "pid"),
		Name:             in.Name,
		Slug:             in.Slug,
		ShortDescription: in.ShortDescription,
		Description:      in.Description,
		IconURL:          in.IconURL,
		BannerURL:        in.BannerURL,
		Visibility:       in.Visibility,
	}
	if in.Pricing != nil {
		m.Pricing = *in.Pricing
	}
	out, err := s.catalog.CreateModpack(r.Context(), principal(r).UserID, m)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetModpack(w http.ResponseWriter, r *http.Request) {
	m, err := s.catalog.GetModpack(r.Context(), principal(r).UserID, chi.URLParam(r, "mid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleUpdateModpack(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name             *string             `json:"name"`
		Slug             *string             `json:"slug"`
		ShortDescription *string             `json:"shortDescription"`
		Description      *string             `json:"description"`
		IconURL          *string             `json:"iconUrl"`
		BannerURL        *string             `json:"bannerUrl"`
		Visibility       *catalog.Visibility `json:"visibility"`
		Pricing          *catalog.Pricing    `json:"pricing"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := s.catalog.UpdateModpack(r.Context(), principal(r).UserID, chi.URLParam(r, "mid"), catalog.ModpackUpdate{
		Name:             in.Name,
		Slug:             in.Slug,
		ShortDescription: in.ShortDescription,
		Description:      in.Description,
		IconURL:          in.IconURL,
		BannerURL:        in.BannerURL,
		Visibility:       in.Visibility,
		Pricing:          in.Pricing,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handlePublishModpack(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.PublishModpack(r.Context(), principal(r).UserID, chi.URLParam(r, "mid")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArchiveModpack(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.ArchiveModpack(r.Context(), principal(r).UserID, chi.URLParam(r, "mid")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteModpack(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.DeleteModpack(r.Context(), principal(r).UserID, chi.URLParam(r, "mid")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- categories ----

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.store.ListCategories(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": cats})
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name    string  `json:"name"`
		Slug    string  `json:"slug"`
		IconURL *string `json:"iconUrl"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := s.catalog.CreateCategory(r.Context(), principal(r).UserID, catalog.Category{
		Name:    in.Name,
		Slug:    in.Slug,
		IconURL: in.IconURL,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleSetCategories(w http.ResponseWriter, r *http.Request) {
	var in struct {
		CategoryIDs       []string `json:"categoryIds"`
		PrimaryCategoryID string   `json:"primaryCategoryId"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	err := s.catalog.SetCategories(r.Context(), principal(r).UserID, chi.URLParam(r, "mid"),
		in.CategoryIDs, in.PrimaryCategoryID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- versions ----

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Version              string  `json:"version"`
		TargetRuntimeVersion string  `json:"targetRuntimeVersion"`
		LoaderVersion        *string `json:"loaderVersion"`
		Changelog            string  `json:"changelog"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	v, err := s.catalog.CreateVersion(r.Context(), principal(r).UserID, catalog.ModpackVersion{
		ModpackID:            chi.URLParam(r, "mid"),
		VersionString:        in.Version,
		TargetRuntimeVersion: in.TargetRuntimeVersion,
		LoaderVersion:        in.LoaderVersion,
		Changelog:            in.Changelog,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleUpdateVersion(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Changelog            *string `json:"changelog"`
		TargetRuntimeVersion *string `json:"targetRuntimeVersion"`
		LoaderVersion        *string `json:"loaderVersion"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	err := s.catalog.UpdateVersion(r.Context(), principal(r).UserID, chi.URLParam(r, "vid"), catalog.VersionUpdate{
		Changelog:            in.Changelog,
		TargetRuntimeVersion: in.TargetRuntimeVersion,
		LoaderVersion:        in.LoaderVersion,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePublishVersion(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.PublishVersion(r.Context(), principal(r).UserID, chi.URLParam(r, "vid")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.catalog.ListVersions(r.Context(), principal(r).UserID, chi.URLParam(r, "mid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}
