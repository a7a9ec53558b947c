package handler

import (
	"net/http"

	"github.com/unclebandit/newsletter-delivery/internal/model"
)

// CampaignListResponse is the paginated list envelope.
type CampaignListResponse struct {
	Data       []*model.Campaign `json:"data"`
	Pagination map[string]int    `json:"pagination"`
}

// DeletedResponse reports a removed campaign with its last stored value.
type DeletedResponse struct {
	Deleted  int64           `json:"deleted"`
	Previous *model.Campaign `json:"previous"`
}

// CampaignList writes a page of campaigns. A nil slice is written as [].
func CampaignList(w http.ResponseWriter, campaigns []*model.Campaign, pagination map[string]int) {
	if campaigns == nil {
		campaigns = []*model.Campaign{}
	}
	OK(w, CampaignListResponse{Data: campaigns, Pagination: pagination})
}

func CampaignDeleted(w http.ResponseWriter, previous *model.Campaign) {
	OK(w, DeletedResponse{Deleted: previous.ID, Previous: previous})
}
