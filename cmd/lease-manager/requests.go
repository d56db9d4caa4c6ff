package main

type acquireRequest struct {
	Resource string `json:"resource"`
	Holder   string `json:"holder"`
}

type renewRequest struct {
	Resource string `json:"resource"`
	Holder   string `json:"holder"`
}
